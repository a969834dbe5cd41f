package application

import (
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// FallbackIP é usado quando o pipeline não consegue resolver o IP de origem.
const FallbackIP = "127.0.0.1"

// ResolveIdentity deriva o identificador estável de rate limit.
//
//   - autenticado: "user:<id>:<ip>", papel do principal (member se vazio)
//   - anônimo: "ip:<ip>", papel guest
func ResolveIdentity(req domain.Request) domain.Identity {
	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		ip = FallbackIP
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.Identity{Identifier: "ip:" + ip, Role: string(domain.RoleGuest)}
	}

	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = string(domain.RoleMember)
	}
	return domain.Identity{Identifier: "user:" + userID + ":" + ip, Role: role}
}
