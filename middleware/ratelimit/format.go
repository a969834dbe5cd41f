// utilitário pequeno para formatação rápida/consistente de valores numéricos em headers/logs.
//    Evita puxar fmt só para formatação simples

package ratelimit

import (
	"strconv"
	"time"
)

func formatInt(v int) string { return strconv.Itoa(v) }

// formatUnix formata t em segundos epoch, como esperado em X-RateLimit-Reset.
func formatUnix(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }
