package models

import (
	"context"
	"errors"
)

// AuthorityProvider resolves the approval tier an approver may exercise.
// The default reads the user's role; tests substitute a stub.
type AuthorityProvider interface {
	AuthorityTier(ctx context.Context, userId int) (ApprovalTier, error)
}

var authorityProvider AuthorityProvider = roleAuthorityProvider{}

func SetAuthorityProvider(p AuthorityProvider) {
	if p != nil {
		authorityProvider = p
	}
}

func GetAuthorityProvider() AuthorityProvider {
	return authorityProvider
}

type roleAuthorityProvider struct{}

func (roleAuthorityProvider) AuthorityTier(ctx context.Context, userId int) (ApprovalTier, error) {
	user, err := GetUser(ctx, userId)
	if err != nil {
		return "", err
	}
	// business owners approve at the top tier regardless of assigned role
	if user.Role == UserRoleOwner || user.Role == UserRoleAdmin {
		return ApprovalTierDirector, nil
	}
	if user.RoleId <= 0 {
		return "", errors.New("user has no role assigned")
	}
	role, err := GetRole(ctx, user.RoleId)
	if err != nil {
		return "", err
	}
	if role.ApprovalTier == "" {
		return ApprovalTierSupervisor, nil
	}
	return role.ApprovalTier, nil
}
