package notify

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/steelcutops/userctl/userctl/archive"
	"github.com/steelcutops/userctl/userctl/audit"
	"github.com/steelcutops/userctl/userctl/errdefs"
)

const DefaultSubject = "System Audit Report"

// Message is one report delivery.
type Message struct {
	Destination string
	Subject     string
	ReportPath  string
}

// Transport hands a message to whatever actually delivers it.
type Transport interface {
	Deliver(ctx context.Context, msg Message) error
}

type SendRequest struct {
	Destination string `json:"destination"`
	Subject     string `json:"subject,omitempty"`
	// ReportPath names an archived report. Empty means Fresh, or failing
	// that the newest archived report.
	ReportPath string        `json:"reportPath,omitempty"`
	Fresh      *audit.Report `json:"-"`
}

type Dispatcher struct {
	Archive        *archive.Archive
	Transport      Transport
	DefaultSubject string
	Log            logrus.FieldLogger
}

// Send delivers a report to an email address and returns what was sent.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (Message, error) {
	dest := strings.TrimSpace(req.Destination)
	if err := validateDestination(dest); err != nil {
		return Message{}, err
	}

	path, err := d.resolve(req)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Destination: dest, Subject: d.subject(req.Subject), ReportPath: path}
	log := d.logger().WithFields(logrus.Fields{"destination": msg.Destination, "report": path})
	if err := d.Transport.Deliver(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to send report")
		return Message{}, err
	}
	log.Info("Sent report")
	return msg, nil
}

func (d *Dispatcher) resolve(req SendRequest) (string, error) {
	switch {
	case req.ReportPath != "":
		return d.Archive.Resolve(req.ReportPath)
	case req.Fresh != nil:
		entry, err := d.Archive.Store(*req.Fresh)
		if errors.Is(err, errdefs.ErrCollision) {
			// Already archived under its own name.
			return d.Archive.Resolve(req.Fresh.Filename())
		}
		if err != nil {
			return "", err
		}
		return entry.Path, nil
	default:
		entry, err := d.Archive.Latest()
		if err != nil {
			return "", err
		}
		return entry.Path, nil
	}
}

func (d *Dispatcher) subject(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	if d.DefaultSubject != "" {
		return d.DefaultSubject
	}
	return DefaultSubject
}

func validateDestination(dest string) error {
	if dest == "" {
		return errdefs.Invalid("destination", "is required")
	}
	addr, err := mail.ParseAddress(dest)
	if err != nil || addr.Address != dest || !strings.Contains(dest[strings.LastIndex(dest, "@")+1:], ".") {
		return errdefs.Invalid("destination", "%q is not an email address", dest)
	}
	return nil
}

func (d *Dispatcher) logger() logrus.FieldLogger {
	if d.Log == nil {
		return logrus.StandardLogger()
	}
	return d.Log
}
