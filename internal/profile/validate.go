package profile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/entity"
)

// gstinPattern is the 15-character Indian GST identification number:
// state code, PAN, entity number, a fixed Z and a check character.
var gstinPattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)

// ValidationError is an inline, user-facing input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func checkRole(r entity.Role) error {
	if !r.Valid() {
		return &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", r)}
	}
	return nil
}

// Completion is the profile-completion form.
type Completion struct {
	Role      entity.Role `json:"role"`
	FarmerID  string      `json:"farmer_id"`
	TaxNumber string      `json:"tax_number"`
}

// Validate normalises c and checks the role-specific identifiers.
func (c *Completion) Validate() error {
	c.FarmerID = strings.TrimSpace(c.FarmerID)
	c.TaxNumber = strings.ToUpper(strings.TrimSpace(c.TaxNumber))
	switch c.Role {
	case entity.RoleFarmer:
		if c.FarmerID == "" {
			return &ValidationError{Field: "farmer_id", Message: "farmer registration id is required"}
		}
		c.TaxNumber = ""
	case entity.RoleBuyer:
		if !gstinPattern.MatchString(c.TaxNumber) {
			return &ValidationError{Field: "tax_number", Message: "a valid 15-character GSTIN is required"}
		}
		c.FarmerID = ""
	default:
		return &ValidationError{Field: "role", Message: "role must be farmer or buyer"}
	}
	return nil
}

// Patch is the merge write that records a completed form.
func (c Completion) Patch() entity.Patch {
	role := c.Role
	farmerID, tax := c.FarmerID, c.TaxNumber
	return entity.Patch{Role: &role, FarmerID: &farmerID, TaxNumber: &tax}
}
