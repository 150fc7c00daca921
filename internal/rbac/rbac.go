package rbac

// Role constants mirror the identity service's role claim.
const (
	RoleClient    = "client"
	RoleDeveloper = "developer"
	RoleAdmin     = "admin"
)

// Permission constants
const (
	PermCreateContract      = "create_contract"
	PermSendContract        = "send_contract"
	PermAcceptContract      = "accept_contract"
	PermFundEscrow          = "fund_escrow"
	PermStartMilestone      = "start_milestone"
	PermSubmitMilestone     = "submit_milestone"
	PermReviewMilestone     = "review_milestone"
	PermReleaseMilestone    = "release_milestone"
	PermProposeChange       = "propose_change"
	PermResolveChange       = "resolve_change"
	PermOpenDispute         = "open_dispute"
	PermResolveDispute      = "resolve_dispute"
	PermPauseContract       = "pause_contract"
	PermCancelContract      = "cancel_contract"
	PermCompleteContract    = "complete_contract"
)

// RolePermissions defines what each role can do. Services still verify the
// actor is a party to the specific contract; this map is the coarse gate.
var RolePermissions = map[string][]string{
	RoleClient: {
		PermCreateContract, PermSendContract, PermFundEscrow,
		PermReviewMilestone, PermReleaseMilestone,
		PermProposeChange, PermResolveChange,
		PermOpenDispute, PermPauseContract, PermCancelContract, PermCompleteContract,
	},
	RoleDeveloper: {
		PermAcceptContract, PermStartMilestone, PermSubmitMilestone,
		PermProposeChange, PermResolveChange,
		PermOpenDispute, PermPauseContract,
	},
	RoleAdmin: {
		PermCreateContract, PermSendContract, PermAcceptContract, PermFundEscrow,
		PermStartMilestone, PermSubmitMilestone, PermReviewMilestone, PermReleaseMilestone,
		PermProposeChange, PermResolveChange,
		PermOpenDispute, PermResolveDispute,
		PermPauseContract, PermCancelContract, PermCompleteContract,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsFinancialOperation reports whether the permission moves money.
func IsFinancialOperation(permission string) bool {
	return permission == PermFundEscrow || permission == PermReleaseMilestone || permission == PermResolveDispute
}
