// Package application contém os casos de uso do motor de admissão: resolução
// de identidade, resolução de configuração efetiva, as três estratégias
// (sliding window, token bucket, fixed window) e o Gate que orquestra tudo.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Gate.Check(ctx, req, "api") retorna uma Decision (allow/deny + metadados).
package application
