package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"webhook-deploy/internal/models"
)

// Store keeps the append-only per-day deploy log and the per-day JSON run
// records. One file per calendar date, never rewritten in the log case.
type Store struct {
	dir       string
	retention time.Duration

	mu      sync.Mutex
	lastRun *models.DeployRun
}

// NewStore creates the storage directory if needed.
func NewStore(dir string, retention time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %v", dir, err)
	}
	return &Store{dir: dir, retention: retention}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// LogFileName returns the deploy log path for the given day.
func (s *Store) LogFileName(t time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("deploy_%s.log", t.Format("2006-01-02")))
}

func (s *Store) runsFileName(t time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("runs_%s.json", t.Format("2006-01-02")))
}

// AppendLog appends timestamped lines to today's deploy log. The log is
// append-only; concurrent days never share a file.
func (s *Store) AppendLog(lines ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileName := s.LogFileName(time.Now())
	f, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open deploy log %s: %v", fileName, err)
	}
	defer f.Close()

	stamp := time.Now().Format("2006-01-02 15:04:05")
	for _, line := range lines {
		if _, err := fmt.Fprintf(f, "[%s] %s\n", stamp, line); err != nil {
			return fmt.Errorf("write deploy log %s: %v", fileName, err)
		}
	}
	return nil
}

// SaveRun persists a terminal run into today's run records file.
func (s *Store) SaveRun(run *models.DeployRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileName := s.runsFileName(time.Now())
	runs, err := readRuns(fileName)
	if err != nil {
		return err
	}

	found := false
	for i := range runs {
		if runs[i].ID == run.ID {
			runs[i] = *run
			found = true
			break
		}
	}
	if !found {
		runs = append(runs, *run)
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runs file %s: %v", fileName, err)
	}
	if err := os.WriteFile(fileName, data, 0644); err != nil {
		return fmt.Errorf("write runs file %s: %v", fileName, err)
	}

	s.lastRun = run
	return nil
}

// LoadRuns returns the run records for the given day.
func (s *Store) LoadRuns(day time.Time) ([]models.DeployRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readRuns(s.runsFileName(day))
}

// LastRun returns the most recently saved run, if any.
func (s *Store) LastRun() (*models.DeployRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil, false
	}
	run := *s.lastRun
	return &run, true
}

func readRuns(fileName string) ([]models.DeployRun, error) {
	data, err := os.ReadFile(fileName)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runs file %s: %v", fileName, err)
	}
	var runs []models.DeployRun
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("unmarshal runs file %s: %v", fileName, err)
	}
	return runs, nil
}

// Maintain removes files older than the retention window once a day until
// the context-free ticker is stopped by process exit.
func (s *Store) Maintain(stop <-chan struct{}) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupOldFiles("deploy_", ".log")
			s.cleanupOldFiles("runs_", ".json")
			s.cleanupOldFiles("notification_failures_", ".log")
		case <-stop:
			return
		}
	}
}

func (s *Store) cleanupOldFiles(prefix, ext string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		logrus.Errorf("Failed to read storage directory %s: %v", s.dir, err)
		return
	}

	now := time.Now()
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
		fileDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil || now.Sub(fileDate) <= s.retention {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			logrus.Errorf("Failed to remove old file %s: %v", name, err)
		}
	}
}
