package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fleetlab/fleetd/pkg/ferrors"
)

// errorResponse mirrors spec.md §6's three named node-facing error codes
// (argument, unauthorized, failedPrecondition) plus the catch-all fleetd
// uses for every other ferrors.Kind.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps a ferrors.Kind to an HTTP status and a stable wire code,
// per spec.md §6's register-endpoint error vocabulary generalized to every
// handler.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	wireCode := "internal"

	if fe, ok := err.(*ferrors.Error); ok {
		wireCode = fe.Code
		switch fe.Kind {
		case ferrors.Validation:
			status = http.StatusBadRequest
			wireCode = "argument"
		case ferrors.Quota:
			status = http.StatusPaymentRequired
		case ferrors.Capacity:
			status = http.StatusServiceUnavailable
		case ferrors.Protocol:
			status = http.StatusConflict
		case ferrors.External:
			status = http.StatusBadGateway
		case ferrors.Invariant:
			status = http.StatusInternalServerError
		}
		if fe.Code == ferrors.CodeInvalidSignature {
			status = http.StatusUnauthorized
			wireCode = "unauthorized"
		}
		if fe.Code == ferrors.CodeUnacceptablePerf {
			status = http.StatusPreconditionFailed
			wireCode = "failedPrecondition"
		}
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: wireCode})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
