package domain

import "context"

// Role é o nível de privilégio do chamador, usado como chave no mapa de
// multiplicadores.
type Role string

const (
	RoleGuest   Role = "guest"
	RoleMember  Role = "member"
	RolePremium Role = "premium"
	RoleAdmin   Role = "admin"
)

// Roles devolve os papéis conhecidos.
func Roles() []Role {
	return []Role{RoleGuest, RoleMember, RolePremium, RoleAdmin}
}

func KnownRole(r string) bool {
	for _, v := range Roles() {
		if Role(r) == v {
			return true
		}
	}
	return false
}

// Principal é o usuário autenticado, entregue pela camada de autenticação
// (externa a este módulo).
type Principal struct {
	UserID string
	Role   string
}

type principalKey struct{}

// WithPrincipal anexa o principal autenticado ao contexto.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom lê o principal do contexto, se houver.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}
