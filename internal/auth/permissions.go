package auth

const (
	RoleAdmin     = "admin"
	RoleEvaluator = "evaluator"
	RoleEmployee  = "employee"
)

const (
	PermPeriodsRead      = "evaluation.periods.read"
	PermPeriodsManage    = "evaluation.periods.manage"
	PermMappingsManage   = "evaluation.mappings.manage"
	PermStepsWrite       = "evaluation.steps.write"
	PermRevisionsRequest = "evaluation.revisions.request"
	PermRevisionsRespond = "evaluation.revisions.respond"
	PermScoresRead       = "evaluation.scores.read"
	PermReportsRead      = "evaluation.reports.read"
	PermActivityRead     = "evaluation.activity.read"
)

var DefaultPermissions = []string{
	PermPeriodsRead,
	PermPeriodsManage,
	PermMappingsManage,
	PermStepsWrite,
	PermRevisionsRequest,
	PermRevisionsRespond,
	PermScoresRead,
	PermReportsRead,
	PermActivityRead,
}

// RolePermissions is static: there is no per-tenant role editing in this service.
var RolePermissions = map[string][]string{
	RoleEmployee: {
		PermPeriodsRead,
		PermStepsWrite,
		PermRevisionsRespond,
		PermScoresRead,
	},
	RoleEvaluator: {
		PermPeriodsRead,
		PermStepsWrite,
		PermRevisionsRespond,
		PermScoresRead,
	},
	RoleAdmin: DefaultPermissions,
}

func HasPermission(role, permission string) bool {
	for _, perm := range RolePermissions[role] {
		if perm == permission {
			return true
		}
	}
	return false
}
