package dispatch

import (
	"testing"

	"github.com/mmeshcher/dispatch-system/internal/model"
)

func approvedActive(category string) model.Expert {
	return model.Expert{
		ServiceCategory: category,
		Status:          model.ExpertStatusApproved,
		IsActive:        true,
	}
}

func TestEligible_MatchingRules(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
		category    string
		expertCat   string
		eligible    bool
	}{
		{
			name:        "exact category match case insensitive",
			serviceName: "AC Repair",
			category:    "Electrician",
			expertCat:   " electrician ",
			eligible:    true,
		},
		{
			name:        "expert category substring of service name",
			serviceName: "Urgent Plumber Visit",
			category:    "",
			expertCat:   "Plumber",
			eligible:    true,
		},
		{
			name:        "expert category substring of job category",
			serviceName: "Home visit",
			category:    "Electrician Services",
			expertCat:   "Electrician",
			eligible:    true,
		},
		{
			name:        "electrical keyword fan",
			serviceName: "Fan Installation",
			category:    "",
			expertCat:   "Electrician",
			eligible:    true,
		},
		{
			name:        "electrical keyword inverter",
			serviceName: "Inverter Setup",
			category:    "",
			expertCat:   "Electrical Works",
			eligible:    true,
		},
		{
			name:        "plumbing keyword tap",
			serviceName: "Tap Repair",
			category:    "",
			expertCat:   "Plumber",
			eligible:    true,
		},
		{
			name:        "plumbing keyword tank",
			serviceName: "Water Tank Cleaning",
			category:    "",
			expertCat:   "Plumbing",
			eligible:    true,
		},
		{
			name:        "unrelated category",
			serviceName: "Fan Installation",
			category:    "",
			expertCat:   "Carpenter",
			eligible:    false,
		},
		{
			name:        "blank expert category never eligible",
			serviceName: "Fan Installation",
			category:    "Fan Installation",
			expertCat:   "   ",
			eligible:    false,
		},
		{
			name:        "plumbing keyword does not match electrician",
			serviceName: "Pipe Fitting",
			category:    "",
			expertCat:   "Electrician",
			eligible:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roster := []model.Expert{approvedActive(tt.expertCat)}
			got := Eligible(tt.serviceName, tt.category, roster)
			if (len(got) == 1) != tt.eligible {
				t.Fatalf("Eligible(%q, %q, cat=%q) = %d experts, want eligible=%v",
					tt.serviceName, tt.category, tt.expertCat, len(got), tt.eligible)
			}
		})
	}
}

// Сценарий диспетчеризации: на заявку по вентилятору подбирается только электрик.
func TestEligible_FanJobPicksElectricianOnly(t *testing.T) {
	lat, lon := 23.18, 79.99
	roster := []model.Expert{
		{ID: 1, Name: "Ramesh", ServiceCategory: "Electrician", Status: model.ExpertStatusApproved, IsActive: true, Latitude: &lat, Longitude: &lon},
		{ID: 2, Name: "Suresh", ServiceCategory: "Plumber", Status: model.ExpertStatusApproved, IsActive: true},
	}

	got := Eligible("Fan Installation", "", roster)
	if len(got) != 1 {
		t.Fatalf("got %d eligible experts, want 1", len(got))
	}
	if got[0].ID != 1 {
		t.Fatalf("eligible expert id = %d, want 1", got[0].ID)
	}
}

// Неодобренные исполнители и исполнители не на смене не могут быть кандидатами,
// даже при точном совпадении категории.
func TestEligible_FiltersOffDutyAndUnapproved(t *testing.T) {
	roster := []model.Expert{
		{ID: 1, ServiceCategory: "Electrician", Status: model.ExpertStatusPending, IsActive: true},
		{ID: 2, ServiceCategory: "Electrician", Status: model.ExpertStatusApproved, IsActive: false},
		{ID: 3, ServiceCategory: "Electrician", Status: model.ExpertStatusRejected, IsActive: true},
		{ID: 4, ServiceCategory: "Electrician", Status: model.ExpertStatusApproved, IsActive: true},
	}

	got := Eligible("Switch Board Repair", "Electrician", roster)
	if len(got) != 1 || got[0].ID != 4 {
		t.Fatalf("unexpected eligible set: %+v", got)
	}
}

func TestEligible_EmptyRoster(t *testing.T) {
	if got := Eligible("Fan Installation", "", nil); len(got) != 0 {
		t.Fatalf("expected empty eligible set, got %+v", got)
	}
}
