// Package resolver derives duplicate-contact pairs from an ingested contact
// set. Resolution is a pure function: grouping by normalized email, pairing
// legacy-format contacts with modern-format contacts, and reporting every
// group that cannot be paired unambiguously.
package resolver

import (
	"fmt"
	"sort"

	"github.com/VictorCuerdo-Velocity/merge-duplicates-vg/internal/domain"
)

// Result holds the resolver output: pairs to process, groups that could not
// be resolved, and non-blocking warnings for manual review.
type Result struct {
	Pairs     []domain.DuplicatePair
	Ambiguous []domain.AmbiguousGroup
	Warnings  []string
}

// Resolve groups contacts by normalized email and pairs each legacy-format
// contact with the modern-format contact sharing that email. Groups with
// more than one contact of the same format, or with zero contacts of one
// format, yield no pairs and are reported as ambiguous. Output is ordered
// by ascending email, then by primary contact ID.
func Resolve(contacts []domain.Contact) Result {
	groups := make(map[string][]domain.Contact)
	var emails []string
	for _, c := range contacts {
		email := c.NormalizedEmail()
		if _, seen := groups[email]; !seen {
			emails = append(emails, email)
		}
		groups[email] = append(groups[email], c)
	}
	sort.Strings(emails)

	var result Result
	for _, email := range emails {
		group := groups[email]
		if len(group) < 2 {
			continue
		}

		pair, ambiguous := resolveGroup(email, group)
		if ambiguous != nil {
			result.Ambiguous = append(result.Ambiguous, *ambiguous)
			continue
		}

		// A primary without a proper display name is worth flagging for
		// review even though the format rule disambiguates roles.
		if !pair.Primary.HasProperName() {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s: primary contact %s has no proper display name (%q)",
					email, pair.Primary.RevUserID, pair.Primary.DisplayName))
		}

		result.Pairs = append(result.Pairs, *pair)
	}

	sort.SliceStable(result.Pairs, func(i, j int) bool {
		a, b := result.Pairs[i], result.Pairs[j]
		if a.Email != b.Email {
			return a.Email < b.Email
		}
		return a.Primary.RevUserID < b.Primary.RevUserID
	})

	return result
}

// resolveGroup pairs a single same-email group. A pair requires exactly one
// legacy-format and one modern-format contact; anything else is ambiguous.
func resolveGroup(email string, group []domain.Contact) (*domain.DuplicatePair, *domain.AmbiguousGroup) {
	var legacy, modern, unknown []domain.Contact
	for _, c := range group {
		switch c.RefFormat {
		case domain.RefLegacy:
			legacy = append(legacy, c)
		case domain.RefModern:
			modern = append(modern, c)
		default:
			unknown = append(unknown, c)
		}
	}

	reason := domain.AmbiguousReason("")
	switch {
	case len(unknown) > 0:
		reason = domain.AmbiguousUnknownFormat
	case len(legacy) > 1 || len(modern) > 1:
		reason = domain.AmbiguousSameFormat
	case len(legacy) == 0 || len(modern) == 0:
		reason = domain.AmbiguousMissingFormat
	}
	if reason != "" {
		return nil, &domain.AmbiguousGroup{
			Email:    email,
			Contacts: group,
			Reason:   reason,
		}
	}

	return &domain.DuplicatePair{
		Primary:   legacy[0],
		Duplicate: modern[0],
		Email:     email,
	}, nil
}
