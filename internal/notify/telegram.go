package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"webhook-deploy/internal/config"
	"webhook-deploy/internal/models"
)

const maxOutputChars = 1500

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// CommitLister supplies recent commit descriptions for the message body.
type CommitLister interface {
	RecentCommits(ctx context.Context, n int) []string
}

// Notifier delivers one best-effort Telegram message per terminal run.
// Delivery failures are logged locally and never propagate; a missing token
// or chat ID is a valid state that skips delivery entirely.
type Notifier struct {
	token    string
	chatID   int64
	timeout  time.Duration
	appURL   string
	repoName string
	host     string
	failDir  string
	commits  CommitLister

	connect func() (sender, error)
}

// New builds a notifier from config. failDir receives the per-day
// notification failure log.
func New(cfg *config.Config, commits CommitLister, failDir string) *Notifier {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	n := &Notifier{
		token:    cfg.Telegram.Token,
		chatID:   cfg.Telegram.ChatID,
		timeout:  cfg.Telegram.Timeout,
		appURL:   cfg.AppURL,
		repoName: cfg.Repo.Name,
		host:     host,
		failDir:  failDir,
		commits:  commits,
	}
	n.connect = n.dialTelegram
	return n
}

func (n *Notifier) dialTelegram() (sender, error) {
	httpClient := &http.Client{
		Timeout: n.timeout,
		Transport: &http.Transport{
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     30 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
	bot, err := tgbotapi.NewBotAPIWithClient(n.token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// Notify reports the run outcome. It never returns an error to the caller
// and makes at most one delivery attempt.
func (n *Notifier) Notify(run *models.DeployRun) {
	if n.token == "" || n.chatID == 0 {
		logrus.WithField("run_id", run.ID).Info("Telegram credentials absent, skipping notification")
		n.recordFailure("credentials absent, delivery skipped", run)
		return
	}

	text := n.buildMessage(run)

	bot, err := n.connect()
	if err != nil {
		logrus.Errorf("Failed to reach Telegram API: %v", err)
		n.recordFailure(fmt.Sprintf("connect failed: %v", err), run)
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := bot.Send(msg); err != nil {
		logrus.Errorf("Failed to send notification to chat %d: %v", n.chatID, err)
		n.recordFailure(fmt.Sprintf("send failed: %v", err), run)
		return
	}

	logrus.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"chat_id": n.chatID,
	}).Info("Notification sent")
}

func (n *Notifier) buildMessage(run *models.DeployRun) string {
	var md strings.Builder
	if run.Outcome == models.OutcomeSuccess {
		md.WriteString("<b>✅ 部署成功 / Deployment Succeeded</b>\n\n")
	} else {
		md.WriteString("<b>❌ 部署失败 / Deployment Failed</b>\n\n")
	}
	if n.repoName != "" {
		md.WriteString(fmt.Sprintf("仓库 / Repo: <b>%s</b>\n", n.repoName))
	}
	md.WriteString(fmt.Sprintf("主机 / Host: <b>%s</b>\n", n.host))
	if run.Request.Ref != "" {
		md.WriteString(fmt.Sprintf("分支 / Ref: <b>%s</b>\n", run.Request.Ref))
	}
	if run.Request.Requester != "" {
		md.WriteString(fmt.Sprintf("触发者 / By: <b>%s</b>\n", run.Request.Requester))
	}
	if n.appURL != "" {
		md.WriteString(fmt.Sprintf("地址 / URL: %s\n", n.appURL))
	}
	md.WriteString(fmt.Sprintf("耗时 / Took: <b>%v</b>\n", run.Duration().Round(time.Second)))

	if run.Outcome != models.OutcomeSuccess {
		md.WriteString(fmt.Sprintf("\n错误 / Error: <b>%s</b>\n", run.Error))
		if step, ok := run.LastStep(); ok && step.Output != "" {
			md.WriteString(fmt.Sprintf("\n输出 / Output:\n<pre>%s</pre>\n", truncate(step.Output, maxOutputChars)))
		}
	}

	if n.commits != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if commits := n.commits.RecentCommits(ctx, 3); len(commits) > 0 {
			md.WriteString("\n最近提交 / Recent commits:\n")
			for _, c := range commits {
				md.WriteString(fmt.Sprintf("- %s\n", c))
			}
		}
	}

	md.WriteString(fmt.Sprintf("\n<b>时间 / Time</b>: %s\n", run.FinishedAt.Format("2006-01-02 15:04:05")))
	return md.String()
}

// recordFailure appends a JSON line to the per-day notification failure log.
func (n *Notifier) recordFailure(message string, run *models.DeployRun) {
	fileName := filepath.Join(n.failDir, fmt.Sprintf("notification_failures_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logrus.Errorf("Failed to open notification failure log %s: %v", fileName, err)
		return
	}
	defer f.Close()

	entry := struct {
		Timestamp string         `json:"timestamp"`
		Message   string         `json:"message"`
		RunID     string         `json:"run_id"`
		Ref       string         `json:"ref"`
		Outcome   models.Outcome `json:"outcome"`
	}{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Message:   message,
		RunID:     run.ID,
		Ref:       run.Request.Ref,
		Outcome:   run.Outcome,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logrus.Errorf("Failed to marshal notification failure entry: %v", err)
		return
	}
	if _, err := f.WriteString(string(data) + "\n"); err != nil {
		logrus.Errorf("Failed to write notification failure log %s: %v", fileName, err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
