package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "OpenSwap-Chain/internal/errors"
	"OpenSwap-Chain/internal/swap"
)

const maxBodyBytes = 64 << 10

// orderRequest 兼容结构化订单与自由文本两种提交方式，text 非空时走解析器。
type orderRequest struct {
	swap.Order
	Text string `json:"text"`
}

type approvalRequest struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	var (
		session *swap.Session
		err     error
	)
	if strings.TrimSpace(req.Text) != "" {
		session, err = s.service.SubmitText(r.Context(), id, req.OwnerID, req.Text)
	} else {
		session, err = s.service.SubmitOrder(r.Context(), id, req.Order)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleWithdrawOrder(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.WithdrawOrder(r.Context(), r.PathValue("id"), r.PathValue("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Deposits(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.service.RequestVerification(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := s.service.Approve(r.Context(), r.PathValue("id"), req.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	session, err := s.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCustody(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"custody_address": s.service.CustodyAddress()})
}

// parseListOptions 解析查询参数。state 可重复或以逗号分隔，since/until 为 Unix 秒。
func parseListOptions(r *http.Request) ([]swap.ListOption, error) {
	q := r.URL.Query()
	var opts []swap.ListOption

	var states []swap.State
	for _, raw := range q["state"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if !swap.IsValidState(swap.State(part)) {
				return nil, invalidQuery("state", part)
			}
			states = append(states, swap.State(part))
		}
	}
	if len(states) > 0 {
		opts = append(opts, swap.WithStates(states...))
	}

	ints := []struct {
		name  string
		apply func(int64) swap.ListOption
	}{
		{"limit", func(v int64) swap.ListOption { return swap.WithLimit(int(v)) }},
		{"offset", func(v int64) swap.ListOption { return swap.WithOffset(int(v)) }},
		{"since", func(v int64) swap.ListOption { return swap.WithUpdatedSince(time.Unix(v, 0)) }},
		{"until", func(v int64) swap.ListOption { return swap.WithUpdatedUntil(time.Unix(v, 0)) }},
	}
	for _, p := range ints {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return nil, invalidQuery(p.name, raw)
		}
		opts = append(opts, p.apply(v))
	}

	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "desc":
	case "asc":
		opts = append(opts, swap.WithSortOrder(swap.SortByUpdatedAsc))
	default:
		return nil, invalidQuery("order", q.Get("order"))
	}
	return opts, nil
}

func invalidQuery(param, value string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "查询参数无效",
		xerrors.WithMetadata("param", param),
		xerrors.WithMetadata("value", value))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("请求体为空")
		}
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败",
			xerrors.WithMetadata("reason", err.Error())))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
