// Package directory reads the operator and asset tables owned by the
// platform's identity and fleet services.
package directory

import "time"

type User struct {
	ID          string `gorm:"primaryKey;size:64"`
	TenantID    string `gorm:"primaryKey;size:64"`
	DisplayName string `gorm:"size:128"`
	IsActive    bool   `gorm:"not null"`
	CreatedAt   time.Time
}

type OrgUnit struct {
	ID       string  `gorm:"primaryKey;size:64"`
	TenantID string  `gorm:"primaryKey;size:64"`
	Name     string  `gorm:"size:128"`
	ParentID *string `gorm:"size:64"`
}

type OrgMembership struct {
	TenantID  string `gorm:"primaryKey;size:64"`
	OrgUnitID string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"primaryKey;size:64;index"`
}

type AssetStatus string

const (
	AssetAvailable   AssetStatus = "AVAILABLE"
	AssetReserved    AssetStatus = "RESERVED"
	AssetMaintenance AssetStatus = "MAINTENANCE"
)

// Asset is a physical resource (aircraft, vehicle, sensor kit) parked in an
// area.
type Asset struct {
	ID       string      `gorm:"primaryKey;size:64"`
	TenantID string      `gorm:"size:64;not null;index:idx_assets_tenant_area,priority:1"`
	AreaCode string      `gorm:"size:64;not null;index:idx_assets_tenant_area,priority:2"`
	Kind     string      `gorm:"size:32"`
	Status   AssetStatus `gorm:"type:varchar(16);not null;default:AVAILABLE"`
}

// Models lists the directory tables. Production deployments read them from
// the shared schema; migrate only creates them for local runs and tests.
func Models() []interface{} {
	return []interface{}{&User{}, &OrgUnit{}, &OrgMembership{}, &Asset{}}
}
