package subscription

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/models"
)

// Matcher answers subscription visibility questions for users.
type Matcher struct {
	db *gorm.DB
}

// NewMatcher constructs a Matcher backed by the given database handle.
func NewMatcher(db *gorm.DB) *Matcher {
	return &Matcher{db: db}
}

// UserPatterns loads the user's subscription pattern set.
func (m *Matcher) UserPatterns(userID uint64) (Patterns, error) {
	var user models.User
	if errFind := m.db.Select("id", "subscriptions").First(&user, "id = ?", userID).Error; errFind != nil {
		return nil, fmt.Errorf("subscription: load user %d: %w", userID, errFind)
	}
	return ParsePatternsJSON(user.Subscriptions), nil
}

// IsVisible reports whether the user's subscriptions cover the group tag.
func (m *Matcher) IsVisible(userID uint64, groupTag string) (bool, error) {
	patterns, errPatterns := m.UserPatterns(userID)
	if errPatterns != nil {
		return false, errPatterns
	}
	return patterns.Matches(groupTag), nil
}

// ListVisibleGroups returns every group whose tag the user's subscriptions
// cover, ordered by tag for stable listings.
func (m *Matcher) ListVisibleGroups(userID uint64) ([]models.Group, error) {
	patterns, errPatterns := m.UserPatterns(userID)
	if errPatterns != nil {
		return nil, errPatterns
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	query := m.db.Model(&models.Group{}).Order("group_tag ASC")
	universal := false
	tags := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p.Kind == KindUniversal {
			universal = true
			break
		}
		tags = append(tags, p.Tag)
	}
	if !universal {
		query = query.Where("group_tag IN ?", tags)
	}

	var groups []models.Group
	if errList := query.Find(&groups).Error; errList != nil {
		return nil, fmt.Errorf("subscription: list groups for user %d: %w", userID, errList)
	}
	return groups, nil
}
