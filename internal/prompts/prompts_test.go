package prompts

import (
	"strings"
	"testing"
)

func TestPersona_Deterministic(t *testing.T) {
	a := Persona("### Property (property)\n- name: string\n")
	b := Persona("### Property (property)\n- name: string\n")
	if a != b {
		t.Error("Persona is not deterministic")
	}
	if !strings.HasSuffix(a, "- name: string\n") {
		t.Error("schema should close the persona prompt")
	}
}

func TestDynamicContext(t *testing.T) {
	tests := []struct {
		name    string
		rc      RequestContext
		want    []string
		exclude []string
	}{
		{
			name:    "minimal",
			rc:      RequestContext{OrgID: "org-1", UserID: "u-1", Role: "member"},
			want:    []string{"Organization: org-1", "User: u-1 (role: member)"},
			exclude: []string{"Explain this selection", "Active filters"},
		},
		{
			name: "page and filters",
			rc: RequestContext{
				OrgID: "o", UserID: "u", Role: "admin", Page: "/leases",
				Filters: [][2]string{{"status", "active"}, {"city", "Austin"}},
			},
			want: []string{"Current page: /leases", "Active filters: status=active; city=Austin;"},
		},
		{
			name: "selection",
			rc: RequestContext{
				OrgID: "o", UserID: "u", Role: "member",
				SelectedText: "94.2%", StructuredJSON: `{"metric":"occupancy","type":"kpi"}`,
			},
			want: []string{"Explain this selection", `"""` + "\n94.2%\n" + `"""`, `{"metric":"occupancy","type":"kpi"}`},
		},
		{
			name: "structured only",
			rc:   RequestContext{OrgID: "o", UserID: "u", StructuredJSON: `{"type":"kpi"}`},
			want: []string{"Explain this selection"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DynamicContext(tt.rc)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q in:\n%s", w, got)
				}
			}
			for _, x := range tt.exclude {
				if strings.Contains(got, x) {
					t.Errorf("unexpected %q in:\n%s", x, got)
				}
			}
		})
	}
}
