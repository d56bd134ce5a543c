package domain

import "time"

// Team is a group of users to whom projects belong.
type Team struct {
	ID         string
	OfferingID string
	Name       string
	CreatedAt  time.Time
}

// User is a platform account. Role is either "admin" or "user".
type User struct {
	ID        string
	Email     string
	Name      string
	Role      string
	CreatedAt time.Time
}

// RoleAdmin marks platform administrators.
const RoleAdmin = "admin"

// OfferingSettings are the recognized keys of a course offering's settings
// blob. Unrecognized keys are preserved at the store boundary.
type OfferingSettings struct {
	ServerLocked     bool     `json:"serverLocked"`
	ProjectTags      []string `json:"project_tags"`
	CourseVisibility string   `json:"course_visibility,omitempty"`
}

// CourseOffering is a semester-scoped grouping of teams with shared settings.
type CourseOffering struct {
	ID        string
	Name      string
	Settings  OfferingSettings
	CreatedAt time.Time
}

// HasTag reports whether label is already recorded in project_tags.
func (s OfferingSettings) HasTag(label string) bool {
	for _, t := range s.ProjectTags {
		if t == label {
			return true
		}
	}
	return false
}
