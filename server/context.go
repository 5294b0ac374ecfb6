package server

import "github.com/GoCodeAlone/tally/workflow"

// actorFromClaims converts verified token claims into a workflow actor.
// Unknown role names are dropped.
func actorFromClaims(c *claims) workflow.Actor {
	actor := workflow.Actor{ID: c.Subject}
	for _, r := range c.Roles {
		switch role := workflow.Role(r); role {
		case workflow.RoleMember, workflow.RoleApprover, workflow.RoleAdmin:
			actor.Roles = append(actor.Roles, role)
		}
	}
	return actor
}
