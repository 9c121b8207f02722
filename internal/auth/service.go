package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenSwap-Chain/pkg/logger"
)

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", cfg.Mode)
	}

	seen := make(map[string]struct{}, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		value := strings.TrimSpace(t.Value)
		if value == "" {
			return nil, fmt.Errorf("令牌 %s 的取值为空", t.Name)
		}
		if _, dup := seen[value]; dup {
			return nil, fmt.Errorf("令牌 %s 与其他令牌重复", t.Name)
		}
		seen[value] = struct{}{}
		perms := []string{PermissionParticipate}
		if t.Operator {
			perms = append(perms, PermissionOperate)
		}
		svc.tokens = append(svc.tokens, tokenEntry{
			digest:  sha256.Sum256([]byte(value)),
			subject: Subject{Name: t.Name, Permissions: perms},
		})
	}
	if len(svc.tokens) == 0 {
		return nil, errors.New("static 模式至少需要一个令牌")
	}
	return svc, nil
}

// Enabled 判断是否开启认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 校验 Authorization 头中的 Bearer 令牌。
// 比较摘要而非原文，耗时与令牌内容无关。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))

	var match *Subject
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			subject := s.tokens[i].subject
			subject.Permissions = append([]string(nil), subject.Permissions...)
			match = &subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
