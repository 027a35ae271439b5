package domain

import "strconv"

// TenantID identifies the isolation unit. Every trigger, job, work item and
// session belongs to exactly one tenant.
type TenantID int64

// Group returns the tenant-scoped job group name. Job names are unique within
// a group and pause/resume operate on a whole group.
func (t TenantID) Group() string {
	return "tenant-" + strconv.FormatInt(int64(t), 10)
}

func (t TenantID) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// ParseTenantID parses the decimal form produced by String.
func ParseTenantID(s string) (TenantID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return TenantID(n), nil
}
