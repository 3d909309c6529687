package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/csrsign/internal/artifact"
	"github.com/wolfeidau/csrsign/internal/auth"
	"github.com/wolfeidau/csrsign/internal/backend"
	"github.com/wolfeidau/csrsign/internal/csr"
	"github.com/wolfeidau/csrsign/internal/issuer"
	"github.com/wolfeidau/csrsign/internal/policy"
)

var (
	errUnsupportedMediaType = errors.New("unsupported media type")
	errInvalidBody          = errors.New("invalid request body")
)

// SignRequest is the JSON body accepted by the signing endpoints.
type SignRequest struct {
	CSR  string `json:"csr"`
	SAN  string `json:"san,omitempty"`
	Days int    `json:"days,omitempty"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) signClient(w http.ResponseWriter, r *http.Request) {
	s.sign(w, r, policy.RoleClient, true)
}

func (s *Server) signServer(w http.ResponseWriter, r *http.Request) {
	s.sign(w, r, policy.RoleServer, false)
}

func (s *Server) sign(w http.ResponseWriter, r *http.Request, role policy.Role, allowText bool) {
	ctx := r.Context()

	if s.cfg.Verifier != nil {
		if err := auth.RequirePermission(ctx, auth.PermissionFor(role)); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Signing request denied")
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Forbidden"})
			return
		}
	}

	body, err := decodeSignRequest(r, allowText)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if role == policy.RoleClient {
		// the client endpoint has never taken a SAN
		body.SAN = ""
	}

	bundle, err := s.issuer.Issue(ctx, issuer.Request{
		Role:         role,
		CSR:          []byte(body.CSR),
		SAN:          body.SAN,
		ValidityDays: body.Days,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

// decodeSignRequest reads a JSON body, or when allowText is set a raw text/*
// body holding only the CSR.
func decodeSignRequest(r *http.Request, allowText bool) (*SignRequest, error) {
	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		var err error
		mediaType, _, err = mime.ParseMediaType(ct)
		if err != nil {
			return nil, errUnsupportedMediaType
		}
	}

	switch {
	case mediaType == "application/json":
		var body SignRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			return nil, errors.Join(errInvalidBody, err)
		}
		return &body, nil

	case allowText && strings.HasPrefix(mediaType, "text/"):
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.Join(errInvalidBody, err)
		}
		return &SignRequest{CSR: string(data)}, nil

	default:
		return nil, errUnsupportedMediaType
	}
}

// writeError maps err to a status code and a response that never includes
// file paths or internal error text.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := zerolog.Ctx(r.Context())

	var (
		maxErr     *http.MaxBytesError
		backendErr *backend.Error
	)

	switch {
	case errors.As(err, &maxErr):
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "Request body too large"})
	case errors.Is(err, errUnsupportedMediaType):
		writeJSON(w, http.StatusUnsupportedMediaType, ErrorResponse{Error: "Unsupported content type"})
	case errors.Is(err, errInvalidBody):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
	case errors.Is(err, csr.ErrInvalidFormat):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid CSR format"})
	case errors.Is(err, policy.ErrInvalidSANEntry):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid SAN entry", Details: err.Error()})
	case errors.Is(err, issuer.ErrInvalidValidity):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid validity period"})
	case errors.Is(err, backend.ErrSigningTimeout):
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: "Signing timed out"})
	case errors.Is(err, backend.ErrSigningFailed):
		details := ""
		if errors.As(err, &backendErr) {
			details = backendErr.Details
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Signing failed", Details: details})
	case errors.Is(err, issuer.ErrMalformedOutput), errors.Is(err, artifact.ErrArtifactIO):
		log.Error().Err(err).Msg("Internal signing error")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
	default:
		log.Error().Err(err).Msg("Unexpected signing error")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// etags splits an If-None-Match header into its entity tags.
func etags(header string) []string {
	var tags []string
	for tag := range strings.SplitSeq(header, ",") {
		tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "W/"))
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
