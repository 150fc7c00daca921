package rbac

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role       string
		permission string
		expected   bool
	}{
		{RoleClient, PermCreateContract, true},
		{RoleClient, PermReviewMilestone, true},
		{RoleClient, PermReleaseMilestone, true},
		{RoleClient, PermSubmitMilestone, false},
		{RoleClient, PermResolveDispute, false},
		{RoleDeveloper, PermSubmitMilestone, true},
		{RoleDeveloper, PermAcceptContract, true},
		{RoleDeveloper, PermReviewMilestone, false},
		{RoleDeveloper, PermReleaseMilestone, false},
		{RoleDeveloper, PermCancelContract, false},
		{RoleAdmin, PermResolveDispute, true},
		{RoleAdmin, PermReleaseMilestone, true},
		{"ghost", PermCreateContract, false},
	}

	for _, tt := range tests {
		t.Run(tt.role+"/"+tt.permission, func(t *testing.T) {
			if got := HasPermission(tt.role, tt.permission); got != tt.expected {
				t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.permission, got, tt.expected)
			}
		})
	}
}

func TestIsFinancialOperation(t *testing.T) {
	if !IsFinancialOperation(PermReleaseMilestone) {
		t.Error("release moves money")
	}
	if IsFinancialOperation(PermSubmitMilestone) {
		t.Error("submit does not move money")
	}
}
