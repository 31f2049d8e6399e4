package main

import (
	"fmt"
	"time"

	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/config"
	"github.com/tsylvester/paynless-framework-sub006/internal/rbac"
)

func mintToken(cfg config.AuthConfig, now time.Time, userID, role string) (string, error) {
	switch role {
	case rbac.RoleUser, rbac.RoleService, rbac.RoleSuperAdmin:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	m, err := auth.NewManager(cfg)
	if err != nil {
		return "", err
	}
	pair, err := m.IssuePair(now, userID, role)
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}
