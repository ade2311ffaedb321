package osstest

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// S3Server fakes the subset of the S3 REST API used by multipart uploads, with path style
// addressing. Request signatures are not verified.
type S3Server struct {
	*httptest.Server
	Store *Store
}

// NewS3Server starts a fake S3 endpoint. Close it when done.
func NewS3Server() *S3Server {
	s := &S3Server{Store: NewStore()}

	r := chi.NewRouter()
	r.Post("/{bucket}/*", s.handlePost)
	r.Put("/{bucket}/*", s.handlePut)
	r.Head("/{bucket}/*", s.handleHead)
	r.Get("/{bucket}/*", s.handleGet)

	s.Server = httptest.NewServer(r)
	return s
}

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartUpload struct {
	Parts []struct {
		ETag       string `xml:"ETag"`
		PartNumber int    `xml:"PartNumber"`
	} `xml:"Part"`
}

type completeMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

type s3Error struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func (s *S3Server) handlePost(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := s3PathParams(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	switch {
	case query.Has("uploads"):
		uploadID := s.Store.startSession(bucket, key, 0)
		writeXML(w, http.StatusOK, initiateMultipartUploadResult{Bucket: bucket, Key: key, UploadID: uploadID})
	case query.Get("uploadId") != "":
		var request completeMultipartUpload
		if err := xml.NewDecoder(r.Body).Decode(&request); err != nil {
			writeXML(w, http.StatusBadRequest, s3Error{Code: "MalformedXML", Message: err.Error()})
			return
		}
		for i, part := range request.Parts {
			if part.PartNumber != i+1 {
				writeXML(w, http.StatusBadRequest, s3Error{Code: "InvalidPartOrder", Message: "parts must be listed in ascending order"})
				return
			}
		}

		data, err := s.Store.complete(query.Get("uploadId"), bucket, key)
		if err != nil {
			writeXML(w, http.StatusBadRequest, s3Error{Code: "InvalidPart", Message: err.Error()})
			return
		}
		writeXML(w, http.StatusOK, completeMultipartUploadResult{
			Location: fmt.Sprintf("%s/%s/%s", s.URL, bucket, key),
			Bucket:   bucket,
			Key:      key,
			ETag:     etag(data),
		})
	default:
		writeXML(w, http.StatusNotImplemented, s3Error{Code: "NotImplemented", Message: "unsupported POST"})
	}
}

func (s *S3Server) handlePut(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := s3PathParams(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	if uploadID := query.Get("uploadId"); uploadID != "" {
		partNumber, err := strconv.Atoi(query.Get("partNumber"))
		if err != nil || partNumber < 1 {
			writeXML(w, http.StatusBadRequest, s3Error{Code: "InvalidArgument", Message: "invalid partNumber"})
			return
		}
		putPart(w, r, s.Store, uploadID, partNumber-1)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeXML(w, http.StatusBadRequest, s3Error{Code: "IncompleteBody", Message: err.Error()})
		return
	}
	s.Store.PutObject(bucket, key, data)
	w.Header().Set("ETag", etag(data))
	w.WriteHeader(http.StatusOK)
}

func (s *S3Server) handleHead(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := s3PathParams(w, r)
	if !ok {
		return
	}

	data, ok := s.Store.Object(bucket, key)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", etag(data))
	w.WriteHeader(http.StatusOK)
}

func (s *S3Server) handleGet(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := s3PathParams(w, r)
	if !ok {
		return
	}
	serveObject(w, s.Store, bucket, key)
}

func s3PathParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	bucket := chi.URLParam(r, "bucket")
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || key == "" {
		writeXML(w, http.StatusBadRequest, s3Error{Code: "InvalidURI", Message: "invalid object key"})
		return "", "", false
	}
	return bucket, key, true
}

func writeXML(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(body)
}
