package directory

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/internal/task-dispatch/scheduling"
	"task-dispatch-service/internal/task-dispatch/workflow"
)

// GormDirectory implements scheduling.CandidateDirectory and
// scheduling.ResourcePoolSnapshot over the shared database.
type GormDirectory struct {
	DB *gorm.DB
}

func NewGormDirectory(gormDB *gorm.DB) *GormDirectory {
	return &GormDirectory{DB: gormDB}
}

var (
	_ scheduling.CandidateDirectory   = (*GormDirectory)(nil)
	_ scheduling.ResourcePoolSnapshot = (*GormDirectory)(nil)
)

func (d *GormDirectory) ListActiveUsers(ctx context.Context, tenantID string, ids []string) ([]scheduling.User, error) {
	query := d.DB.WithContext(ctx).Model(&User{}).Where("tenant_id = ? AND is_active = ?", tenantID, true)
	if len(ids) > 0 {
		query = query.Where("id IN ?", dedupe(ids))
	}
	var rows []User
	if err := query.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	users := make([]scheduling.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, scheduling.User{ID: r.ID, IsActive: r.IsActive})
	}
	return users, nil
}

func (d *GormDirectory) CountActiveAssignments(ctx context.Context, tenantID, userID string) (int, error) {
	var count int64
	err := d.DB.WithContext(ctx).Model(&db.Task{}).
		Where("tenant_id = ? AND assigned_to = ? AND state IN ?", tenantID, userID, workflow.ActiveAssignmentStrings()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count assignments of %s: %w", userID, err)
	}
	return int(count), nil
}

func (d *GormDirectory) IsOrgMember(ctx context.Context, tenantID, userID, orgUnitID string) (bool, error) {
	var count int64
	err := d.DB.WithContext(ctx).Model(&OrgMembership{}).
		Where("tenant_id = ? AND user_id = ? AND org_unit_id = ?", tenantID, userID, orgUnitID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership of %s: %w", userID, err)
	}
	return count > 0, nil
}

func (d *GormDirectory) OrgUnitExists(ctx context.Context, tenantID, orgUnitID string) (bool, error) {
	var count int64
	err := d.DB.WithContext(ctx).Model(&OrgUnit{}).
		Where("tenant_id = ? AND id = ?", tenantID, orgUnitID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up org unit %s: %w", orgUnitID, err)
	}
	return count > 0, nil
}

func (d *GormDirectory) AvailableAssetCount(ctx context.Context, tenantID, areaCode string) (int, error) {
	var count int64
	err := d.DB.WithContext(ctx).Model(&Asset{}).
		Where("tenant_id = ? AND area_code = ? AND status = ?", tenantID, areaCode, AssetAvailable).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count assets in %s: %w", areaCode, err)
	}
	return int(count), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
