package entity

import "time"

// Role is the marketplace role chosen at profile completion. The zero value
// means no role has been chosen yet.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role or absent.
func (r Role) Valid() bool {
	switch r {
	case "", RoleFarmer, RoleBuyer, RoleAdmin:
		return true
	}
	return false
}

// Profile is the per-principal record keyed by the account id.
type Profile struct {
	ID          string    `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Email       string    `db:"email" json:"email"`
	PhotoURL    string    `db:"photo_url" json:"photo_url,omitempty"`
	Role        Role      `db:"role" json:"role,omitempty"`
	FarmerID    string    `db:"farmer_id" json:"farmer_id,omitempty"`
	TaxNumber   string    `db:"tax_number" json:"tax_number,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Complete reports whether a role has been chosen.
func (p *Profile) Complete() bool {
	return p != nil && p.Role != ""
}

// Patch is a partial write. Nil fields are left untouched.
type Patch struct {
	DisplayName *string `json:"display_name,omitempty"`
	PhotoURL    *string `json:"photo_url,omitempty"`
	Role        *Role   `json:"role,omitempty"`
	FarmerID    *string `json:"farmer_id,omitempty"`
	TaxNumber   *string `json:"tax_number,omitempty"`
}

// Apply copies the set fields of the patch onto p.
func (pt Patch) Apply(p *Profile) {
	if pt.DisplayName != nil {
		p.DisplayName = *pt.DisplayName
	}
	if pt.PhotoURL != nil {
		p.PhotoURL = *pt.PhotoURL
	}
	if pt.Role != nil {
		p.Role = *pt.Role
	}
	if pt.FarmerID != nil {
		p.FarmerID = *pt.FarmerID
	}
	if pt.TaxNumber != nil {
		p.TaxNumber = *pt.TaxNumber
	}
}
