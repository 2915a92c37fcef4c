// Package server is the thin HTTP adapter over the disclosure verifier: it
// owns routing, JSON encoding and QR rendering, and nothing about sessions
// or verification.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/mux"
	"github.com/skip2/go-qrcode"

	"github.com/kouzoh/kokukuma-disclosure/mdoc"
	"github.com/kouzoh/kokukuma-disclosure/openid4vp"
	"github.com/kouzoh/kokukuma-disclosure/verifier"
)

const requestObjectContentType = "application/oauth-authz-req+jwt"

type Server struct {
	verifier *verifier.Verifier
	ulBase   *url.URL
	debug    bool
}

func New(v *verifier.Verifier, walletBaseURL string, debug bool) (*Server, error) {
	ulBase, err := url.Parse(walletBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet base URL: %w", err)
	}
	return &Server{
		verifier: v,
		ulBase:   ulBase,
		debug:    debug,
	}, nil
}

type NewSessionRequest struct {
	UseCase           string   `json:"usecase"`
	Attributes        []string `json:"attributes"`
	ReturnURLTemplate string   `json:"return_url_template,omitempty"`
}

type NewSessionResponse struct {
	SessionToken string `json:"session_token"`
}

// NewSession creates a disclosure session for the requested attributes.
func (s *Server) NewSession(w http.ResponseWriter, r *http.Request) {
	req := NewSessionRequest{}
	if err := parseJSON(r, &req); err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse request: %v", err), http.StatusBadRequest)
		return
	}

	itemsRequests := ItemsRequestsFromAttributes(req.Attributes)
	token, err := s.verifier.NewSession(r.Context(), itemsRequests, req.UseCase, req.ReturnURLTemplate)
	if err != nil {
		jsonErrorResponse(w, err, errorStatus(err))
		return
	}

	jsonResponse(w, NewSessionResponse{SessionToken: string(token)}, http.StatusOK)
}

// RequestURI serves the signed request object the wallet fetches. The
// ephemeral ID parameters come from the universal link rendered by Status.
func (s *Server) RequestURI(w http.ResponseWriter, r *http.Request) {
	token := verifier.SessionToken(mux.Vars(r)["token"])

	jws, err := s.verifier.ProcessGetRequest(r.Context(), token, r.URL.Query())
	if err != nil {
		log.Printf("Session(%s): request_uri: %v", token, err)
		jsonErrorResponse(w, err, errorStatus(err))
		return
	}

	w.Header().Set("Content-Type", requestObjectContentType)
	fmt.Fprint(w, jws)
}

// ResponseURI receives the wallet's direct_post.jwt response or its error
// object. The wallet always gets a well-formed JSON reply.
func (s *Server) ResponseURI(w http.ResponseWriter, r *http.Request) {
	token := verifier.SessionToken(mux.Vars(r)["token"])

	walletResponse, err := openid4vp.ParseWalletResponse(r)
	if err != nil {
		jsonErrorResponse(w, fmt.Errorf("failed to parse wallet response: %v", err), http.StatusBadRequest)
		return
	}

	vpResponse, err := s.verifier.ProcessAuthorizationResponse(r.Context(), token, walletResponse)
	if err != nil {
		log.Printf("Session(%s): response_uri: %v", token, err)
		jsonErrorResponse(w, err, errorStatus(err))
		return
	}
	jsonResponse(w, vpResponse, http.StatusOK)
}

type StatusResponse struct {
	Status        verifier.Status `json:"status"`
	UniversalLink string          `json:"universal_link,omitempty"`
	QRCode        string          `json:"qrcode,omitempty"`
}

// Status is the polling endpoint. For a Created session it returns the
// universal link, optionally rendered as a base64 QR code PNG for the
// cross-device flow.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	token := verifier.SessionToken(mux.Vars(r)["token"])

	sessionType := verifier.SessionTypeSameDevice
	if st, err := verifier.ParseSessionType(r.URL.Query().Get("session_type")); err == nil {
		sessionType = st
	}

	status, err := s.verifier.StatusResponse(r.Context(), token, sessionType, s.ulBase)
	if err != nil {
		jsonErrorResponse(w, err, errorStatus(err))
		return
	}

	resp := StatusResponse{
		Status:        status.Status,
		UniversalLink: status.UniversalLink,
	}
	if status.UniversalLink != "" && r.URL.Query().Get("qrcode") == "true" {
		png, err := qrcode.Encode(status.UniversalLink, qrcode.Medium, 256)
		if err != nil {
			// the URL still works without the QR code
			log.Printf("Failed to generate QR code: %v", err)
		} else {
			resp.QRCode = base64.StdEncoding.EncodeToString(png)
		}
	}
	jsonResponse(w, resp, http.StatusOK)
}

type Element struct {
	DocType    mdoc.DocType           `json:"doctype"`
	NameSpace  mdoc.NameSpace         `json:"namespace"`
	Identifier mdoc.ElementIdentifier `json:"identifier"`
	Value      mdoc.ElementValue      `json:"value"`
}

type DocumentResult struct {
	DocType   mdoc.DocType `json:"doctype"`
	Issuer    string       `json:"issuer"`
	CA        string       `json:"ca"`
	ValidFrom string       `json:"valid_from"`
	ValidTo   string       `json:"valid_to"`
	Elements  []Element    `json:"elements"`
}

type AttributesResponse struct {
	Documents []DocumentResult `json:"documents"`
}

// Attributes returns the disclosed attributes of a finished session. The
// nonce query parameter must match the session's redirect URI nonce when one
// was bound.
func (s *Server) Attributes(w http.ResponseWriter, r *http.Request) {
	token := verifier.SessionToken(mux.Vars(r)["token"])

	attrs, err := s.verifier.DisclosedAttributes(r.Context(), token, r.URL.Query().Get("nonce"))
	if err != nil {
		jsonErrorResponse(w, err, errorStatus(err))
		return
	}

	resp := AttributesResponse{}
	for docType, doc := range attrs {
		result := DocumentResult{
			DocType:   docType,
			Issuer:    doc.Issuer,
			CA:        doc.CA,
			ValidFrom: doc.ValidityInfo.ValidFrom.String(),
			ValidTo:   doc.ValidityInfo.ValidUntil.String(),
		}
		for ns, elems := range doc.Attributes {
			for id, value := range elems {
				result.Elements = append(result.Elements, Element{
					DocType:    docType,
					NameSpace:  ns,
					Identifier: id,
					Value:      value,
				})
			}
		}
		resp.Documents = append(resp.Documents, result)
	}

	if s.debug {
		spew.Dump(resp)
	}
	jsonResponse(w, resp, http.StatusOK)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, verifier.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, verifier.ErrInvalidEphemeralID),
		errors.Is(err, verifier.ErrExpiredEphemeralID):
		return http.StatusForbidden
	case errors.Is(err, verifier.ErrNoItemsRequests),
		errors.Is(err, verifier.ErrUnknownUseCase),
		errors.Is(err, verifier.ErrReturnURLConfigurationMismatch),
		errors.Is(err, verifier.ErrSessionNotDone),
		errors.Is(err, verifier.ErrRedirectURIMissing),
		errors.Is(err, verifier.ErrRedirectURIMismatch):
		return http.StatusBadRequest
	}
	var unexpectedState verifier.ErrUnexpectedState
	if errors.As(err, &unexpectedState) {
		return http.StatusConflict
	}
	var storeErr *verifier.StoreError
	if errors.As(err, &storeErr) {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func parseJSON(r *http.Request, v interface{}) error {
	if r == nil || r.Body == nil {
		return errors.New("No request given")
	}

	defer r.Body.Close()
	defer io.Copy(io.Discard, r.Body)

	return json.NewDecoder(r.Body).Decode(v)
}

func jsonResponse(w http.ResponseWriter, d interface{}, c int) {
	dj, err := json.Marshal(d)
	if err != nil {
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	fmt.Fprintf(w, "%s", dj)
}

type errorBody struct {
	Error string `json:"error"`
}

func jsonErrorResponse(w http.ResponseWriter, e error, c int) {
	dj, err := json.Marshal(errorBody{Error: e.Error()})
	if err != nil {
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	fmt.Fprintf(w, "%s", dj)
}
