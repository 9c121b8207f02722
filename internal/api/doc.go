// Package api exposes the swap service over REST: order intake, deposit
// verification, approvals, execution and operator views. Routes are
// registered on a net/http ServeMux with method patterns and guarded by the
// bearer-token middleware from internal/auth.
package api
