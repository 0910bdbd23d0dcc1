package subscription

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sssSonsss/devicefarm/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("pool: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(&models.User{}, &models.Group{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func createUser(t *testing.T, conn *gorm.DB, email, subscriptions string) models.User {
	t.Helper()
	now := time.Now().UTC()
	user := models.User{
		Email:         email,
		Name:          "Test User",
		Password:      "hashed",
		Privilege:     models.PrivilegeStandard,
		Subscriptions: datatypes.JSON(subscriptions),
		Forwards:      datatypes.JSON("[]"),
		Settings:      datatypes.JSON("{}"),
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	return user
}

func createGroup(t *testing.T, conn *gorm.DB, tag string) models.Group {
	t.Helper()
	now := time.Now().UTC()
	group := models.Group{
		GroupTag:  tag,
		Name:      tag,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := conn.Create(&group).Error; errCreate != nil {
		t.Fatalf("create group: %v", errCreate)
	}
	return group
}

func TestParsePattern(t *testing.T) {
	if p := ParsePattern("*"); p.Kind != KindUniversal {
		t.Fatalf("expected universal pattern for wildcard")
	}
	if p := ParsePattern(" qa-pool "); p.Kind != KindExact || p.Tag != "qa-pool" {
		t.Fatalf("expected trimmed exact pattern, got %+v", p)
	}
}

func TestPatterns_Matches(t *testing.T) {
	patterns := ParsePatterns([]string{"qa-pool", "ci-pool"})
	if !patterns.Matches("qa-pool") {
		t.Fatalf("expected qa-pool to match")
	}
	if patterns.Matches("prod-pool") {
		t.Fatalf("expected prod-pool not to match")
	}

	universal := ParsePatterns([]string{"*"})
	if !universal.Matches("anything") {
		t.Fatalf("expected wildcard to match any tag")
	}

	var empty Patterns
	if empty.Matches("qa-pool") {
		t.Fatalf("expected empty pattern set to match nothing")
	}
}

func TestParsePatternsJSON_MalformedYieldsEmpty(t *testing.T) {
	if patterns := ParsePatternsJSON([]byte("not json")); len(patterns) != 0 {
		t.Fatalf("expected empty set for malformed payload, got %d", len(patterns))
	}
	if patterns := ParsePatternsJSON(nil); patterns != nil {
		t.Fatalf("expected nil set for empty payload")
	}
}

func TestIsVisible(t *testing.T) {
	conn := openTestDB(t)
	matcher := NewMatcher(conn)
	user := createUser(t, conn, "dev@example.org", `["qa-pool"]`)

	visible, err := matcher.IsVisible(user.ID, "qa-pool")
	if err != nil {
		t.Fatalf("IsVisible: %v", err)
	}
	if !visible {
		t.Fatalf("expected qa-pool visible")
	}

	visible, err = matcher.IsVisible(user.ID, "prod-pool")
	if err != nil {
		t.Fatalf("IsVisible: %v", err)
	}
	if visible {
		t.Fatalf("expected prod-pool hidden")
	}
}

func TestIsVisible_MissingUser(t *testing.T) {
	conn := openTestDB(t)
	matcher := NewMatcher(conn)

	if _, err := matcher.IsVisible(999, "qa-pool"); err == nil {
		t.Fatalf("expected error for missing user")
	}
}

func TestListVisibleGroups(t *testing.T) {
	conn := openTestDB(t)
	matcher := NewMatcher(conn)
	createGroup(t, conn, "ci-pool")
	createGroup(t, conn, "qa-pool")
	createGroup(t, conn, "prod-pool")

	user := createUser(t, conn, "dev@example.org", `["qa-pool","ci-pool"]`)
	groups, err := matcher.ListVisibleGroups(user.ID)
	if err != nil {
		t.Fatalf("ListVisibleGroups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].GroupTag != "ci-pool" || groups[1].GroupTag != "qa-pool" {
		t.Fatalf("expected tag-ordered listing, got %q, %q", groups[0].GroupTag, groups[1].GroupTag)
	}

	admin := createUser(t, conn, "admin@example.org", `["*"]`)
	groups, err = matcher.ListVisibleGroups(admin.ID)
	if err != nil {
		t.Fatalf("ListVisibleGroups wildcard: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected all 3 groups, got %d", len(groups))
	}

	nobody := createUser(t, conn, "nobody@example.org", `[]`)
	groups, err = matcher.ListVisibleGroups(nobody.ID)
	if err != nil {
		t.Fatalf("ListVisibleGroups empty: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups for empty subscriptions, got %d", len(groups))
	}
}
