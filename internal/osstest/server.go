package osstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Server fakes the OSS control API and the storage behind the URLs it signs.
type Server struct {
	*httptest.Server
	Store *Store

	// Token is the bearer token the control API accepts. Any token is accepted when empty.
	Token string
	// ClientID and ClientSecret are accepted by the token endpoint, which issues Token.
	ClientID     string
	ClientSecret string
	TokenTTL     time.Duration

	mu             sync.Mutex
	failPart       int
	failStatus     int
	failRemaining  int
	completions    int
	partRequests   int
	tokenRequests  int
	completedSizes []int64
}

// NewServer starts a fake OSS server. Close it when done.
func NewServer() *Server {
	s := &Server{
		Store:    NewStore(),
		TokenTTL: time.Hour,
		failPart: -1,
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// FailPart makes every PUT of the part with the given zero based index answer with status.
func (s *Server) FailPart(index, status int) {
	s.FailPartTimes(index, status, -1)
}

// FailPartTimes is like FailPart, but only the first times PUTs of the part fail.
func (s *Server) FailPartTimes(index, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failPart = index
	s.failStatus = status
	s.failRemaining = times
}

// Completions returns the number of successful completion calls.
func (s *Server) Completions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.completions
}

// CompletedSizes returns the sizes reported by the completion calls, in order.
func (s *Server) CompletedSizes() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int64{}, s.completedSizes...)
}

// PartRequests returns the number of part PUTs received, failed ones included.
func (s *Server) PartRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.partRequests
}

// TokenRequests returns the number of calls to the token endpoint.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tokenRequests
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/authentication/v2/token", s.handleToken)

	r.Route("/oss/v2/buckets/{bucket}/objects/{object}", func(r chi.Router) {
		r.Use(s.authorize)
		r.Get("/signeds3upload", s.handleStartUpload)
		r.Post("/signeds3upload", s.handleCompleteUpload)
		r.Post("/signed", s.handleIssueGrant)
	})

	r.Put("/storage/parts/{uploadKey}/{index}", s.handlePutPart)
	r.Get("/storage/signed/{id}", s.handleSignedGet)
	r.Put("/storage/signed/{id}", s.handleSignedPut)

	return r
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenRequests++
	s.mu.Unlock()

	id, secret, ok := r.BasicAuth()
	if !ok || id != s.ClientID || secret != s.ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errorCode": "AUTH-001"})
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorCode": "AUTH-002"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": s.Token,
		"token_type":   "Bearer",
		"expires_in":   int64(s.TokenTTL / time.Second),
	})
}

func (s *Server) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	bucket, object, ok := pathParams(w, r)
	if !ok {
		return
	}

	parts, err := strconv.Atoi(r.URL.Query().Get("parts"))
	if err != nil || parts < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "invalid parts"})
		return
	}
	firstPart := 1
	if v := r.URL.Query().Get("firstPart"); v != "" {
		if firstPart, err = strconv.Atoi(v); err != nil || firstPart < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "invalid firstPart"})
			return
		}
	}

	uploadKey := s.Store.startSession(bucket, object, parts)
	urls := make([]string, 0, parts)
	for i := 0; i < parts; i++ {
		urls = append(urls, fmt.Sprintf("%s/storage/parts/%s/%d", s.URL, uploadKey, firstPart-1+i))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uploadKey":        uploadKey,
		"urls":             urls,
		"urlExpiration":    time.Now().Add(time.Hour).UnixMilli(),
		"uploadExpiration": time.Now().Add(24 * time.Hour).UnixMilli(),
	})
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	bucket, object, ok := pathParams(w, r)
	if !ok {
		return
	}

	var request struct {
		UploadKey string   `json:"uploadKey"`
		Size      int64    `json:"size"`
		ETags     []string `json:"eTags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}

	data, err := s.Store.complete(request.UploadKey, bucket, object)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}

	s.mu.Lock()
	s.completions++
	s.completedSizes = append(s.completedSizes, request.Size)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bucketKey":   bucket,
		"objectId":    fmt.Sprintf("urn:adsk.objects:os.object:%s/%s", bucket, object),
		"objectKey":   object,
		"size":        len(data),
		"contentType": "application/octet-stream",
		"location":    fmt.Sprintf("%s/oss/v2/buckets/%s/objects/%s", s.URL, url.PathEscape(bucket), url.PathEscape(object)),
	})
}

func (s *Server) handleIssueGrant(w http.ResponseWriter, r *http.Request) {
	bucket, object, ok := pathParams(w, r)
	if !ok {
		return
	}

	access := r.URL.Query().Get("access")
	switch access {
	case "":
		access = "read"
	case "read", "write", "readwrite":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "invalid access"})
		return
	}

	var request struct {
		MinutesExpiration int  `json:"minutesExpiration"`
		SingleUse         bool `json:"singleUse"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return
	}

	if access == "read" {
		if _, ok := s.Store.Object(bucket, object); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"reason": "Object doesn't exist"})
			return
		}
	}

	id := s.Store.issueGrant(bucket, object, access)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"signedUrl":  fmt.Sprintf("%s/storage/signed/%s", s.URL, id),
		"expiration": time.Now().Add(time.Duration(request.MinutesExpiration) * time.Minute).UnixMilli(),
		"singleUse":  request.SingleUse,
	})
}

func (s *Server) handlePutPart(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid part index", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.partRequests++
	failing := s.failPart == index && s.failRemaining != 0
	if failing && s.failRemaining > 0 {
		s.failRemaining--
	}
	status := s.failStatus
	s.mu.Unlock()

	if failing {
		http.Error(w, fmt.Sprintf("part %d rejected", index), status)
		return
	}

	putPart(w, r, s.Store, chi.URLParam(r, "uploadKey"), index)
}

func (s *Server) handleSignedGet(w http.ResponseWriter, r *http.Request) {
	g, ok := s.Store.grant(chi.URLParam(r, "id"))
	if !ok || g.access == "write" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	serveObject(w, s.Store, g.bucket, g.key)
}

func (s *Server) handleSignedPut(w http.ResponseWriter, r *http.Request) {
	g, ok := s.Store.grant(chi.URLParam(r, "id"))
	if !ok || g.access == "read" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Store.PutObject(g.bucket, g.key, data)
	w.Header().Set("ETag", etag(data))
	w.WriteHeader(http.StatusOK)
}

func putPart(w http.ResponseWriter, r *http.Request, store *Store, uploadKey string, index int) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.ContentLength >= 0 && int64(len(data)) != r.ContentLength {
		http.Error(w, "content length mismatch", http.StatusBadRequest)
		return
	}

	tag, err := store.putPart(uploadKey, index, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", tag)
	w.WriteHeader(http.StatusOK)
}

// serveObject answers with the whole object. Range headers are ignored, so downloaders
// fall back to a single request.
func serveObject(w http.ResponseWriter, store *Store, bucket, key string) {
	data, ok := store.Object(bucket, key)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", etag(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func pathParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	bucket, err := url.PathUnescape(chi.URLParam(r, "bucket"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return "", "", false
	}
	object, err := url.PathUnescape(chi.URLParam(r, "object"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": err.Error()})
		return "", "", false
	}
	return bucket, object, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
