package access

// Role identifies the capability tier of an actor on a project.
type Role string

// Resource names a guarded surface.
type Resource string

// Action names an operation against a resource.
type Action string

const (
	RoleGuest  Role = "guest"
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ResourceAnnotation   Resource = "annotation"
	ResourceReply        Resource = "reply"
	ResourceAttachment   Resource = "attachment"
	ResourceProject      Resource = "project"
	ResourceCollaborator Resource = "collaborator"
	ResourceSettings     Resource = "settings"
)

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionReply  Action = "reply"
	ActionUpload Action = "upload"
)

// Can evaluates the capability matrix for a role, resource, and action. The
// matrix is closed: anything not explicitly granted is denied.
func Can(role Role, resource Resource, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		switch resource {
		case ResourceProject, ResourceCollaborator, ResourceSettings:
			return action == ActionRead
		default:
			return true
		}
	case RoleViewer:
		switch resource {
		case ResourceProject, ResourceCollaborator, ResourceSettings:
			return false
		default:
			return action == ActionRead
		}
	case RoleGuest:
		// Update and delete are additionally bounded by ownership via
		// CanMutateAnnotation; the matrix only grants the surface.
		switch resource {
		case ResourceAnnotation:
			return action != ActionUpload
		case ResourceReply:
			return action == ActionCreate || action == ActionRead
		case ResourceAttachment:
			return action == ActionUpload || action == ActionRead
		default:
			return false
		}
	default:
		return false
	}
}

// Normalize maps a raw role string onto a known role, defaulting to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleGuest, RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Authorship describes who wrote an annotation or reply, used for ownership
// checks layered on top of the matrix.
type Authorship struct {
	AuthorID  string
	GuestName string
}

// Actor identifies the caller attempting an operation.
type Actor struct {
	UserID    string
	GuestName string
	Role      Role
}

// CanMutateAnnotation reports whether the actor may update or delete content
// with the given authorship. Editors and owners mutate anything; guests and
// viewers only their own.
func CanMutateAnnotation(actor Actor, authorship Authorship) bool {
	switch actor.Role {
	case RoleOwner, RoleEditor:
		return true
	case RoleGuest:
		return actor.GuestName != "" && actor.GuestName == authorship.GuestName
	default:
		return actor.UserID != "" && actor.UserID == authorship.AuthorID
	}
}
