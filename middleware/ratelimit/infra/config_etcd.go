package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/yaml.v2"

	"admission-gateway/middleware/ratelimit/domain"
)

// EtcdConfigSource mantém o provedor sincronizado com o etcd.
//
// Layout das chaves (prefix padrão "/ratelimit/"):
//
//	<prefix>endpoints/<classe>            {"requests_per_minute":100,...} (JSON ou YAML)
//	<prefix>multipliers/roles/<papel>     "2.0"
//	<prefix>multipliers/endpoints/<classe> "0.5"
//
// Valores inválidos são logados e ignorados; a config anterior continua valendo.
type EtcdConfigSource struct {
	cli    *clientv3.Client
	prefix string
	dst    ConfigUpdater
	log    logrus.FieldLogger
}

func NewEtcdConfigSource(cli *clientv3.Client, dst ConfigUpdater, prefix string, log logrus.FieldLogger) *EtcdConfigSource {
	if prefix == "" {
		prefix = "/ratelimit/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &EtcdConfigSource{cli: cli, prefix: prefix, dst: dst, log: log}
}

// Load aplica tudo que existe sob o prefixo e devolve a revisão lida, para o
// Watch continuar dali.
func (s *EtcdConfigSource) Load(ctx context.Context) (int64, error) {
	resp, err := s.cli.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("etcd get %s: %w", s.prefix, err)
	}
	for _, kv := range resp.Kvs {
		if err := s.apply(string(kv.Key), kv.Value, false); err != nil {
			s.log.WithError(err).WithField("key", string(kv.Key)).Warn("ignoring invalid rate limit config")
		}
	}
	return resp.Header.Revision, nil
}

// Watch bloqueia até ctx encerrar, aplicando cada alteração.
func (s *EtcdConfigSource) Watch(ctx context.Context, fromRev int64) {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if fromRev > 0 {
		opts = append(opts, clientv3.WithRev(fromRev+1))
	}

	for wresp := range s.cli.Watch(ctx, s.prefix, opts...) {
		if err := wresp.Err(); err != nil {
			s.log.WithError(err).Warn("etcd watch error")
			continue
		}
		for _, ev := range wresp.Events {
			key := string(ev.Kv.Key)
			deleted := ev.Type == clientv3.EventTypeDelete
			if err := s.apply(key, ev.Kv.Value, deleted); err != nil {
				s.log.WithError(err).WithField("key", key).Warn("ignoring invalid rate limit config")
				continue
			}
			s.log.WithFields(logrus.Fields{"key": key, "deleted": deleted}).Info("rate limit config updated")
		}
	}
}

func (s *EtcdConfigSource) apply(key string, value []byte, deleted bool) error {
	return ApplyKV(s.dst, strings.TrimPrefix(key, s.prefix), value, deleted)
}

// ApplyKV interpreta uma chave relativa ao prefixo. Remoção de multiplicador
// não é suportada (não há "remover", só voltar a 1.0 explicitamente).
func ApplyKV(dst ConfigUpdater, rel string, value []byte, deleted bool) error {
	parts := strings.Split(strings.Trim(rel, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "endpoints":
		if deleted {
			return dst.RemoveConfig(parts[1])
		}
		var cfg domain.Config
		if err := yaml.Unmarshal(value, &cfg); err != nil {
			return fmt.Errorf("decode endpoint config: %w", err)
		}
		return dst.UpdateConfig(parts[1], cfg)

	case len(parts) == 3 && parts[0] == "multipliers":
		if deleted {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(string(value)), 64)
		if err != nil {
			return fmt.Errorf("decode multiplier: %w", err)
		}
		switch parts[1] {
		case "roles":
			return dst.SetRoleMultiplier(parts[2], f)
		case "endpoints":
			return dst.SetEndpointMultiplier(parts[2], f)
		}
	}
	return fmt.Errorf("unrecognized key %q", rel)
}
