package estate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

var (
	seedCities = []struct{ city, state string }{
		{"Austin", "TX"}, {"Denver", "CO"}, {"Chicago", "IL"}, {"Atlanta", "GA"}, {"Portland", "OR"},
	}
	seedStreets    = []string{"Main St", "Market St", "Commerce Blvd", "Harbor Way", "Oak Ave"}
	seedIndustries = []string{"Legal", "Software", "Healthcare", "Retail", "Finance", "Logistics"}
	seedTenants    = []string{"Acme", "Northwind", "Globex", "Initech", "Umbrella", "Stark", "Wayne", "Hooli"}
)

// SeedCounts reports what Seed created.
type SeedCounts struct {
	Portfolios, Properties, Spaces, Tenants, Leases, Audit int
}

// Seed creates a small demo dataset for orgID. The same rng seed yields
// the same data shape.
func (s *Store) Seed(ctx context.Context, orgID string, rng *rand.Rand) (SeedCounts, error) {
	var c SeedCounts
	now := s.now().UTC()

	if err := s.DefineCustomField(ctx, orgID, CustomField{
		Entity:      "property",
		Name:        "energy_rating",
		Type:        "string",
		Picklist:    []string{"A", "B", "C", "D"},
		Description: "building energy certification",
	}); err != nil {
		return c, err
	}

	var tenantIDs []string
	for _, name := range seedTenants {
		tn := &Tenant{
			Name:         name + " " + pick(rng, []string{"LLC", "Inc", "Group", "Partners"}),
			Industry:     pick(rng, seedIndustries),
			Status:       pick(rng, []string{"active", "active", "prospect", "former"}),
			ContactEmail: fmt.Sprintf("leasing@%s.example", strings.ToLower(name)),
		}
		if err := s.AddTenant(ctx, orgID, tn); err != nil {
			return c, err
		}
		tenantIDs = append(tenantIDs, tn.ID)
		c.Tenants++
	}

	for pi, region := range []string{"Central", "West"} {
		pf := &Portfolio{Name: region + " Core", Region: region, Description: fmt.Sprintf("Core holdings in the %s region", region)}
		if err := s.AddPortfolio(ctx, orgID, pf); err != nil {
			return c, err
		}
		c.Portfolios++

		for i := 0; i < 3; i++ {
			loc := seedCities[(pi*3+i)%len(seedCities)]
			prop := &Property{
				PortfolioID: pf.ID,
				Name:        fmt.Sprintf("%s %s Center", loc.city, pick(rng, []string{"Plaza", "Tower", "Commons", "Park"})),
				Type:        pick(rng, PropertyTypes),
				Status:      "active",
				Address:     fmt.Sprintf("%d %s", 100+rng.IntN(900), pick(rng, seedStreets)),
				City:        loc.city,
				State:       loc.state,
				Custom:      map[string]string{"energy_rating": pick(rng, []string{"A", "B", "C", "D"})},
			}
			floors := 2 + rng.IntN(4)
			suites := make([]*Space, 0, floors)
			for f := 1; f <= floors; f++ {
				sp := &Space{
					Name:       fmt.Sprintf("Suite %d00", f),
					Floor:      f,
					Status:     pick(rng, []string{"vacant", "occupied", "occupied", "pending"}),
					SquareFeet: 1500 + rng.IntN(8)*500,
					AskingRent: float64(20+rng.IntN(40)) * 100,
				}
				prop.SquareFeet += sp.SquareFeet
				suites = append(suites, sp)
			}
			if err := s.AddProperty(ctx, orgID, prop); err != nil {
				return c, err
			}
			c.Properties++

			for _, sp := range suites {
				sp.PropertyID = prop.ID
				if err := s.AddSpace(ctx, orgID, sp); err != nil {
					return c, err
				}
				c.Spaces++

				if sp.Status != "occupied" {
					continue
				}
				start := now.AddDate(-rng.IntN(4), -rng.IntN(12), 0)
				end := start.AddDate(3+rng.IntN(5), 0, 0)
				status := "active"
				if end.Before(now) {
					status = "expired"
				}
				l := &Lease{
					TenantID:    tenantIDs[rng.IntN(len(tenantIDs))],
					SpaceID:     sp.ID,
					PropertyID:  prop.ID,
					Status:      status,
					StartDate:   start.Format(time.DateOnly),
					EndDate:     end.Format(time.DateOnly),
					MonthlyRent: sp.AskingRent,
				}
				if err := s.AddLease(ctx, orgID, l); err != nil {
					return c, err
				}
				c.Leases++

				if err := s.AppendAudit(ctx, orgID, &AuditEntry{
					UserID:     "seed",
					EntityType: "lease",
					EntityID:   l.ID,
					Action:     "create",
					Summary:    fmt.Sprintf("Lease created for %s", sp.Name),
					Timestamp:  now.Add(-time.Duration(rng.IntN(30*24)) * time.Hour),
				}); err != nil {
					return c, err
				}
				c.Audit++
			}
		}
	}
	return c, nil
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.IntN(len(from))]
}
