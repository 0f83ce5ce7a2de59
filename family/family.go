// Package family holds the minimal view of families and members that the
// allowance engine reads. Creating and editing them belongs to the
// surrounding application; the engine only needs tenancy, roles and the
// family timezone.
package family

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/allowance-engine/generic"
)

// Role of a member inside a family.
type Role string

const (
	RoleGuardian Role = "guardian"
	RoleChild    Role = "child"
)

type Family struct {
	ID        string
	Name      string
	Timezone  string // IANA name; empty means UTC
	CreatedAt time.Time
}

type Member struct {
	ID        string
	FamilyID  string
	Name      string
	Role      Role
	CreatedAt time.Time
}

// IsGuardian reports whether the member can approve requests and change settings.
func (m Member) IsGuardian() bool {
	return m.Role == RoleGuardian
}

// Directory looks up families and members. Both return generic.ErrNotFound
// when the record is absent.
type Directory interface {
	GetFamily(ctx context.Context, id string) (Family, error)
	GetMember(ctx context.Context, id string) (Member, error)
}

// CalendarFor returns the calendar of the member's family.
func CalendarFor(ctx context.Context, dir Directory, memberID string) (Member, generic.Calendar, error) {
	m, err := dir.GetMember(ctx, memberID)
	if err != nil {
		return Member{}, generic.Calendar{}, fmt.Errorf("member %s: %w", memberID, err)
	}
	f, err := dir.GetFamily(ctx, m.FamilyID)
	if err != nil {
		return Member{}, generic.Calendar{}, fmt.Errorf("family %s: %w", m.FamilyID, err)
	}
	cal, err := generic.CalendarFor(f.Timezone)
	if err != nil {
		return Member{}, generic.Calendar{}, err
	}
	return m, cal, nil
}

// RequireGuardianOf checks that actorID is a guardian in the same family
// as memberID. Returns generic.ErrForbidden otherwise.
func RequireGuardianOf(ctx context.Context, dir Directory, actorID, memberID string) (Member, error) {
	actor, err := dir.GetMember(ctx, actorID)
	if err != nil {
		if generic.IsNotFound(err) {
			return Member{}, fmt.Errorf("%w: unknown actor %s", generic.ErrForbidden, actorID)
		}
		return Member{}, err
	}
	member, err := dir.GetMember(ctx, memberID)
	if err != nil {
		return Member{}, fmt.Errorf("member %s: %w", memberID, err)
	}
	if !actor.IsGuardian() || actor.FamilyID != member.FamilyID {
		return Member{}, fmt.Errorf("%w: %s is not a guardian of %s", generic.ErrForbidden, actorID, memberID)
	}
	return actor, nil
}

// Writer seeds the directory. The engine never calls it; the CLI and
// tests do.
type Writer interface {
	SaveFamily(ctx context.Context, f Family) error
	SaveMember(ctx context.Context, m Member) error
}

// RequireSelfOrGuardian allows a member to act on their own records and a
// guardian to act on any member of their family.
func RequireSelfOrGuardian(ctx context.Context, dir Directory, actorID, memberID string) error {
	if actorID != "" && actorID == memberID {
		if _, err := dir.GetMember(ctx, memberID); err != nil {
			return fmt.Errorf("member %s: %w", memberID, err)
		}
		return nil
	}
	_, err := RequireGuardianOf(ctx, dir, actorID, memberID)
	return err
}
