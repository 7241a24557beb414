package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/composer"
	"github.com/nugget/atrium/internal/database"
)

var (
	alice = auth.Principal{OrgID: "org-a", UserID: "alice", Role: auth.RoleMember}
	bob   = auth.Principal{OrgID: "org-a", UserID: "bob", Role: auth.RoleMember}
	eve   = auth.Principal{OrgID: "org-b", UserID: "alice", Role: auth.RoleAdmin}
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverPure, filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func rowCount(t *testing.T, s *Store, id string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func exchange(id, question, answer string) Exchange {
	return Exchange{
		ConversationID: id,
		Messages: []Message{
			{Role: RoleUser, Parts: []Part{TextPart(question)}},
			{Role: RoleAssistant, Parts: []Part{
				{Type: PartToolInvocation, ToolCallID: "call_0", ToolName: "list_spaces", State: ToolSucceeded},
				TextPart(answer),
			}},
		},
	}
}

func TestSaveExchange_AfterEagerCreate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c, created, err := s.Create(ctx, alice, Draft{ID: "c1", FirstMessage: "Which spaces are vacant?", Source: SourceWidget})
	if err != nil || !created {
		t.Fatalf("Create = %v, %v", created, err)
	}
	if c.Title != "Which spaces are vacant?" || c.Source != SourceWidget {
		t.Errorf("created = %+v", c)
	}

	if err := s.SaveExchange(ctx, alice, exchange("c1", "Which spaces are vacant?", "Three.")); err != nil {
		t.Fatalf("SaveExchange: %v", err)
	}
	if n := rowCount(t, s, "c1"); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	got, err := s.Get(ctx, alice, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.Messages[1].Text() != "Three." {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Source != SourceWidget {
		t.Errorf("fallback insert must not replace the eager row: source = %q", got.Source)
	}
}

func TestSaveExchange_WithoutEagerCreate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rc := &composer.RequestContext{Page: "/properties", SelectedText: "94%"}
	ex := exchange("c2", "  Explain   this\n occupancy figure ", "It is the leased share.")
	ex.Context = rc
	if err := s.SaveExchange(ctx, alice, ex); err != nil {
		t.Fatalf("SaveExchange: %v", err)
	}
	if n := rowCount(t, s, "c2"); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	got, err := s.Get(ctx, alice, "c2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Explain this occupancy figure" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.Context == nil || got.Context.SelectedText != "94%" {
		t.Errorf("Context = %+v", got.Context)
	}

	if err := s.SaveExchange(ctx, alice, exchange("c2", "And last month?", "Ninety.")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, alice, "c2")
	if len(got.Messages) != 4 || got.Title != "Explain this occupancy figure" {
		t.Errorf("after second exchange: %d messages, title %q", len(got.Messages), got.Title)
	}
}

func TestCreateAndSaveExchange_ConcurrentConverge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := range 10 {
		id := fmt.Sprintf("race-%d", i)
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, err := s.Create(ctx, alice, Draft{ID: id, FirstMessage: "hello"})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			errs <- s.SaveExchange(ctx, alice, exchange(id, "hello", "hi"))
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("%s: %v", id, err)
			}
		}
		if n := rowCount(t, s, id); n != 1 {
			t.Fatalf("%s: rows = %d, want 1", id, n)
		}
		got, err := s.Get(ctx, alice, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Messages) != 2 {
			t.Errorf("%s: messages = %d, want 2", id, len(got.Messages))
		}
	}
}

func TestOwnership(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if _, _, err := s.Create(ctx, alice, Draft{ID: "mine", FirstMessage: "hi"}); err != nil {
		t.Fatal(err)
	}

	for name, p := range map[string]auth.Principal{"same org other user": bob, "other org same user id": eve} {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, p, "mine"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get err = %v", err)
			}
			if _, err := s.Lookup(ctx, p, "mine"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Lookup err = %v", err)
			}
			if err := s.Rename(ctx, p, "mine", "stolen"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Rename err = %v", err)
			}
			if err := s.Archive(ctx, p, "mine"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Archive err = %v", err)
			}
			if err := s.SaveExchange(ctx, p, exchange("mine", "x", "y")); !errors.Is(err, ErrNotFound) {
				t.Errorf("SaveExchange err = %v", err)
			}
			if _, _, err := s.Create(ctx, p, Draft{ID: "mine"}); !errors.Is(err, ErrNotFound) {
				t.Errorf("Create err = %v", err)
			}
			list, err := s.List(ctx, p, true, 0)
			if err != nil || len(list) != 0 {
				t.Errorf("List = %v, %v", list, err)
			}
		})
	}

	got, err := s.Get(ctx, alice, "mine")
	if err != nil || got.Title != "hi" || len(got.Messages) != 0 {
		t.Errorf("owner's conversation changed: %+v, %v", got, err)
	}
}

func TestLookup_Unknown(t *testing.T) {
	s := testStore(t)
	c, err := s.Lookup(context.Background(), alice, "never-seen")
	if c != nil || err != nil {
		t.Errorf("Lookup = %v, %v; want nil, nil", c, err)
	}
}

func TestRenameAndArchive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := s.Create(ctx, alice, Draft{ID: id, FirstMessage: "question " + id}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Rename(ctx, alice, "a", "Q3 vacancies"); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename(ctx, alice, "a", "   "); err == nil {
		t.Error("blank rename should fail")
	}
	if err := s.SaveExchange(ctx, alice, exchange("a", "something else", "ok")); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, alice, "a")
	if got.Title != "Q3 vacancies" {
		t.Errorf("Title = %q, rename must survive later exchanges", got.Title)
	}

	if err := s.Archive(ctx, alice, "b"); err != nil {
		t.Fatal(err)
	}
	active, _ := s.List(ctx, alice, false, 0)
	if len(active) != 1 || active[0].ID != "a" {
		t.Errorf("active = %+v", active)
	}
	all, _ := s.List(ctx, alice, true, 0)
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
	if all[0].Messages != nil {
		t.Error("List should omit messages")
	}
	if _, err := s.Get(ctx, alice, "b"); err != nil {
		t.Errorf("archived conversation must stay readable: %v", err)
	}
}

func TestCreate_GeneratesID(t *testing.T) {
	s := testStore(t)
	c, created, err := s.Create(context.Background(), alice, Draft{})
	if err != nil || !created || c.ID == "" || c.Source != SourcePage {
		t.Errorf("Create = %+v, %v, %v", c, created, err)
	}
}
