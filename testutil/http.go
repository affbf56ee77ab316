package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/spf13/cast"
	"github.com/tidwall/sjson"

	"github.com/autom8ter/couchsys"
	"github.com/autom8ter/couchsys/errors"
)

// Serve starts an http server exposing the MemServer's api. Close it when done.
func (m *MemServer) Serve() *httptest.Server {
	return httptest.NewServer(m.Handler())
}

// Handler returns an http handler serving the MemServer's state
// GET "/" server info
// GET "/_all_dbs" database names
// GET "/_db_updates"?feed={} live database updates
// GET/PUT/DELETE "/{db}" get, create and destroy a database
// GET "/{db}/_changes"?feed={}&since={} database changes
func (m *MemServer) Handler() http.Handler {
	router := mux.NewRouter().UseEncodedPath()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		info, err := m.Info(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}).Methods(http.MethodGet)

	router.HandleFunc("/_all_dbs", func(w http.ResponseWriter, r *http.Request) {
		names, err := m.AllDatabases(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, names)
	}).Methods(http.MethodGet)

	router.HandleFunc("/_db_updates", func(w http.ResponseWriter, r *http.Request) {
		params := changesParams(r.URL.Query())
		stream, err := m.DBUpdates(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeFeed(r.Context(), w, params, stream, m.legacy())
	}).Methods(http.MethodGet)

	router.HandleFunc("/{db}", func(w http.ResponseWriter, r *http.Request) {
		name, ok := dbName(w, r)
		if !ok {
			return
		}
		info, err := m.GetDatabase(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		body, _ := json.Marshal(info)
		if m.legacy() {
			// 1.x servers report update_seq as a number
			body, _ = sjson.SetBytes(body, "update_seq", cast.ToInt(info.UpdateSeq))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}).Methods(http.MethodGet)

	router.HandleFunc("/{db}", func(w http.ResponseWriter, r *http.Request) {
		name, ok := dbName(w, r)
		if !ok {
			return
		}
		if err := m.CreateDatabase(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	}).Methods(http.MethodPut)

	router.HandleFunc("/{db}", func(w http.ResponseWriter, r *http.Request) {
		name, ok := dbName(w, r)
		if !ok {
			return
		}
		if err := m.DestroyDatabase(r.Context(), name); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}).Methods(http.MethodDelete)

	router.HandleFunc("/{db}/_changes", func(w http.ResponseWriter, r *http.Request) {
		name, ok := dbName(w, r)
		if !ok {
			return
		}
		params := changesParams(r.URL.Query())
		stream, err := m.Changes(r.Context(), name, params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeFeed(r.Context(), w, params, stream, m.legacy())
	}).Methods(http.MethodGet)
	return router
}

func dbName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := url.PathUnescape(mux.Vars(r)["db"])
	if err != nil {
		writeError(w, errors.Wrap(err, errors.Validation, "illegal database name"))
		return "", false
	}
	return name, true
}

func changesParams(query url.Values) couchsys.ChangesParams {
	return couchsys.ChangesParams{
		Feed:  query.Get("feed"),
		Since: query.Get("since"),
		Limit: cast.ToInt(query.Get("limit")),
	}
}

// writeFeed writes a continuous feed as newline delimited items, flushing after each one, and any other feed
// as a single results envelope
func writeFeed(ctx context.Context, w http.ResponseWriter, params couchsys.ChangesParams, stream *couchsys.Stream[couchsys.Item], legacy bool) {
	defer stream.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	if params.IsContinuous() {
		stream.Each(ctx, func(item couchsys.Item) error {
			if _, err := w.Write(append(append([]byte{}, item...), '\n')); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		return
	}
	var (
		results []string
		lastSeq = "0"
	)
	var limit = params.Limit
	stream.Each(ctx, func(item couchsys.Item) error {
		if limit > 0 && len(results) >= limit {
			return nil
		}
		results = append(results, item.String())
		if seq := item.Get("seq").String(); seq != "" {
			lastSeq = seq
		}
		return nil
	})
	body := []byte(`{"results":[` + strings.Join(results, ",\n") + `]}`)
	if legacy {
		body, _ = sjson.SetBytes(body, "last_seq", cast.ToInt(lastSeq))
	} else {
		body, _ = sjson.SetBytes(body, "last_seq", lastSeq)
	}
	body, _ = sjson.SetBytes(body, "pending", 0)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, err error) {
	e := errors.Extract(err)
	status := int(e.Code)
	if status < 400 {
		status = http.StatusInternalServerError
	}
	reason := strings.Join(e.Messages, ", ")
	if reason == "" && e.Err != nil {
		reason = e.Err.Error()
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "error", errorName(status))
	body, _ = sjson.SetBytes(body, "reason", reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func errorName(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusPreconditionFailed:
		return "file_exists"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return "bad_request"
	default:
		return "unknown_error"
	}
}
