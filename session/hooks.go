package session

import (
	"github.com/vellum-mta/vellum/reply"
	"github.com/vellum-mta/vellum/wire"
)

// DecisionKind is the tag of a Decision sum value.
type DecisionKind int

const (
	Accept DecisionKind = iota
	Reject
	Kill
)

// Decision is a hook's verdict: Accept carries a value through to the
// state machine, Reject carries only a reply to send back, and Kill
// additionally closes the connection after sending it.
type Decision[T any] struct {
	Kind  DecisionKind
	Reply reply.Reply
	Value T
}

func accepted[T any](value T, r reply.Reply) Decision[T] {
	return Decision[T]{Kind: Accept, Value: value, Reply: r}
}

func rejected[T any](r reply.Reply) Decision[T] {
	return Decision[T]{Kind: Reject, Reply: r}
}

// HelloInfo is the value a FilterHello hook accepts.
type HelloInfo struct {
	IsEHLO   bool
	Hostname wire.Hostname
}

// MailMetadata is the accumulating state of an in-progress mail
// transaction: the envelope sender, the envelope recipients accepted so
// far, and a caller-extensible blob for anything a hook wants to stash
// (e.g. a spam score).
type MailMetadata struct {
	From  *wire.Email
	To    []wire.Email
	Extra map[string]any
}

// RecipientChecker is the seam a Hooks implementation can use to consult
// a recipient cache (e.g. a redis-backed dedup store) before accepting a
// RCPT TO. It is intentionally tiny so it has no dependency on the queue
// package, avoiding an import cycle.
type RecipientChecker interface {
	KnownRecipient(email string) (bool, error)
}

// Hooks is the set of filter/policy hook points the state machine
// consults. Implementations must not retain connection state across
// calls: each call is handed everything it needs as arguments.
type Hooks interface {
	WelcomeBannerReply() reply.Reply
	FilterHello(isEHLO bool, hostname wire.Hostname) Decision[HelloInfo]
	FilterFrom(from *wire.Email, mail *MailMetadata) Decision[*wire.Email]
	FilterTo(to wire.Email, mail *MailMetadata) Decision[wire.Email]
	FilterData(mail *MailMetadata) Decision[struct{}]
	HandleRset() Decision[struct{}]
	HandleStarttls() Decision[struct{}]
	HandleExpn(text string) Decision[struct{}]
	HandleVrfy(text string) Decision[struct{}]
	HandleHelp(text string) Decision[struct{}]
	HandleNoop(text string) Decision[struct{}]
	HandleQuit() Decision[struct{}]
}

// DefaultHooks is a permissive baseline Hooks implementation: it accepts
// everything except a recipient whose domain is not in AllowedHosts and
// (optionally) a recipient a RecipientChecker reports as unknown.
type DefaultHooks struct {
	Hostname string
	Banner   string
	Dedup    RecipientChecker
	// AllowedHosts restricts which recipient domains are accepted.
	// Empty means accept any domain.
	AllowedHosts []string
}

func (h *DefaultHooks) allowsHost(host string) bool {
	if len(h.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range h.AllowedHosts {
		if host == allowed {
			return true
		}
	}
	return false
}

func (h *DefaultHooks) WelcomeBannerReply() reply.Reply {
	banner := h.Banner
	if banner == "" {
		banner = "vellum ESMTP ready"
	}
	return reply.ServiceReady(h.Hostname, banner)
}

func (h *DefaultHooks) FilterHello(isEHLO bool, hostname wire.Hostname) Decision[HelloInfo] {
	return accepted(HelloInfo{IsEHLO: isEHLO, Hostname: hostname}, reply.OK("Hello "+hostname.Raw()))
}

func (h *DefaultHooks) FilterFrom(from *wire.Email, mail *MailMetadata) Decision[*wire.Email] {
	return accepted(from, reply.OK("OK"))
}

func (h *DefaultHooks) FilterTo(to wire.Email, mail *MailMetadata) Decision[wire.Email] {
	if to.Host != nil && !h.allowsHost(to.Host.Raw()) {
		enh := reply.PermanentFailure(reply.BadDestinationMailboxAddress)
		r, rerr := reply.New(reply.CodeMailboxUnavailable, &enh, "Relay access denied")
		if rerr == nil {
			return rejected[wire.Email](r)
		}
	}
	if h.Dedup != nil {
		if known, err := h.Dedup.KnownRecipient(string(to.Serialize())); err == nil && !known {
			enh := reply.PermanentFailure(reply.BadDestinationMailboxAddress)
			r, rerr := reply.New(reply.CodeMailboxUnavailable, &enh, "Recipient not accepted")
			if rerr == nil {
				return rejected[wire.Email](r)
			}
		}
	}
	return accepted(to, reply.OK("OK"))
}

func (h *DefaultHooks) FilterData(mail *MailMetadata) Decision[struct{}] {
	return accepted(struct{}{}, reply.StartMailInput("Enter message, ending with '.' on a line by itself"))
}

func (h *DefaultHooks) HandleRset() Decision[struct{}]     { return accepted(struct{}{}, reply.OK("OK")) }
func (h *DefaultHooks) HandleStarttls() Decision[struct{}] { return accepted(struct{}{}, reply.ServiceReady(h.Hostname, "Ready to start TLS")) }
func (h *DefaultHooks) HandleExpn(text string) Decision[struct{}] {
	enh := reply.PermanentFailure(reply.OtherStatus)
	r, _ := reply.New(reply.CodeMailboxUnavailable, &enh, "Cannot VRFY/EXPN user, but will accept message")
	return rejected[struct{}](r)
}
func (h *DefaultHooks) HandleVrfy(text string) Decision[struct{}] { return h.HandleExpn(text) }
func (h *DefaultHooks) HandleHelp(text string) Decision[struct{}] {
	return accepted(struct{}{}, reply.OK("See https://www.rfc-editor.org/rfc/rfc5321"))
}
func (h *DefaultHooks) HandleNoop(text string) Decision[struct{}] { return accepted(struct{}{}, reply.OK("OK")) }
func (h *DefaultHooks) HandleQuit() Decision[struct{}] {
	return accepted(struct{}{}, reply.Closing("Bye"))
}
