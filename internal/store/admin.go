package store

import (
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts the database debug surfaces on mux: a tailsql
// read-only SQL UI under /debug/sql/ and an on-demand backup download at
// /debug/db/backup.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/sql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB(fmt.Sprintf("sqlite://%s", s.path), s.DB, &tailsql.DBOptions{
		Label: "FloorSight DB",
	})

	debug.Handle("sql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db/backup", "Create and download a backup of the database now", http.HandlerFunc(s.handleBackup))
}

// handleBackup snapshots the database with VACUUM INTO and streams it back
// gzip-encoded. The backup file is written next to the live database and
// removed after the download.
func (s *Store) handleBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath, err := s.backupPath(name)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to resolve backup path: %v", err), http.StatusInternalServerError)
		return
	}

	if _, err := s.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		log.Printf("Failed to stream backup file: %v", err)
	}
}

// backupPath places name in the live database's directory and rejects names
// that would escape it.
func (s *Store) backupPath(name string) (string, error) {
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid backup filename %q", name)
	}
	dir := filepath.Dir(s.path)
	return filepath.Join(dir, name), nil
}
