// Package auditlog is an optional, best-effort delivery-history recorder
// for the queue engine: one append-only row per dispatch outcome. It is
// deliberately not the system of record -- the filesystem queue owns
// that -- this is a reporting sink a deployment can point a BI tool at.
package auditlog

import (
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/vellum-mta/vellum/queue"
)

// Config names the MySQL connection and table the audit log writes to.
type Config struct {
	Host  string
	User  string
	Pass  string
	DB    string
	Table string // default "delivery_log"
}

func (c *Config) setDefaults() {
	if c.Table == "" {
		c.Table = "delivery_log"
	}
}

// Log appends one row per dispatch outcome it observes on a
// queue.EventHandler.
type Log struct {
	db    *sql.DB
	table string
	log   logrus.FieldLogger
}

// Open connects to MySQL and returns a Log ready to Subscribe.
func Open(cfg Config, log logrus.FieldLogger) (*Log, error) {
	cfg.setDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	dsn := mysql.Config{
		User:   cfg.User,
		Passwd: cfg.Pass,
		DBName: cfg.DB,
		Net:    "tcp",
		Addr:   cfg.Host,
		Params: map[string]string{"collation": "utf8mb4_general_ci"},
	}
	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, err
	}
	return &Log{db: db, table: cfg.Table, log: log}, nil
}

// Close releases the underlying connection pool.
func (l *Log) Close() error { return l.db.Close() }

// Subscribe registers l on bus for every outcome event the queue engine
// publishes. EventBus.Publish invokes subscribers synchronously in the
// publishing goroutine, so each handler here is a single insert and
// never blocks on anything slower than the database round trip.
func (l *Log) Subscribe(bus *queue.EventHandler) error {
	if err := bus.Subscribe(queue.MailDelivered, l.onDelivered); err != nil {
		return err
	}
	if err := bus.Subscribe(queue.MailDeferred, l.onDeferred); err != nil {
		return err
	}
	if err := bus.Subscribe(queue.MailBounced, l.onBounced); err != nil {
		return err
	}
	return nil
}

func (l *Log) insert(queueID, outcome string, detail string) {
	_, err := l.db.Exec(
		"INSERT INTO "+l.table+" (`queue_id`, `outcome`, `detail`, `at`) VALUES (?, ?, ?, ?)",
		queueID, outcome, detail, time.Now(),
	)
	if err != nil {
		l.log.WithError(err).WithField("queue_id", queueID).Error("auditlog insert failed")
	}
}

func (l *Log) onDelivered(id queue.QueueId) { l.insert(string(id), "delivered", "") }

func (l *Log) onDeferred(id queue.QueueId, nextAttempt time.Time) {
	l.insert(string(id), "deferred", "next_attempt="+nextAttempt.Format(time.RFC3339))
}

func (l *Log) onBounced(id queue.QueueId, failure error) {
	detail := ""
	if failure != nil {
		detail = failure.Error()
	}
	l.insert(string(id), "bounced", detail)
}
