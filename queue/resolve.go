package queue

import (
	"context"
	"strings"

	"github.com/klppl/fedcore"
)

// RecipientInbox is the delivery address of a single recipient actor: its
// personal inbox, and its shared inbox if it publishes one.
type RecipientInbox struct {
	Inbox       string
	SharedInbox string
}

// ResolveInbox dereferences a recipient actor URL to its inbox addresses.
// Applications supply this (typically backed by fedcore.Dereference
// against their own actor type) so this package never needs to know the
// application's actor schema.
type ResolveInbox func(ctx context.Context, rd *fedcore.RequestData, actorURL string) (RecipientInbox, error)

// Targets expands a set of recipient actor URLs into the deduplicated list
// of inbox URLs they should be delivered to: recipients sharing an origin
// collapse onto that origin's shared inbox, delivered to once; inboxes on
// the local domain are dropped (the local actor never delivers to
// itself); and any inbox the configured URLVerifier rejects is dropped.
// Resolution failures and rejected/local inboxes are logged and that
// recipient is skipped rather than failing the whole fan-out.
func Targets(ctx context.Context, rd *fedcore.RequestData, recipients []string, resolve ResolveInbox) []string {
	sharedOriginSeen := make(map[string]struct{})
	var targets []string
	localDomain := strings.ToLower(rd.Config.Domain())

	for _, recipientID := range recipients {
		ri, err := resolve(ctx, rd, recipientID)
		if err != nil {
			rd.Config.Logger().Debug("federate: failed to resolve recipient inbox", "actor", recipientID, "error", err)
			continue
		}

		inbox := ri.Inbox
		if ri.SharedInbox != "" {
			origin := originOf(ri.SharedInbox)
			if _, already := sharedOriginSeen[origin]; already {
				continue
			}
			sharedOriginSeen[origin] = struct{}{}
			inbox = ri.SharedInbox
		}
		if inbox == "" {
			continue
		}
		if strings.EqualFold(hostOf(inbox), localDomain) {
			rd.Config.Logger().Debug("federate: dropping local-domain inbox", "actor", recipientID, "inbox", inbox)
			continue
		}
		if err := rd.Config.VerifyURL(ctx, inbox); err != nil {
			rd.Config.Logger().Debug("federate: dropping url_verifier-rejected inbox", "actor", recipientID, "inbox", inbox, "error", err)
			continue
		}
		targets = append(targets, inbox)
	}
	return targets
}

// hostOf returns the host portion of rawURL, or "" if it cannot be parsed
// as scheme://host/... .
func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexAny(rest, "/#?"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

// originOf returns the scheme://host portion of rawURL.
func originOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		return rawURL[:idx+3+slash]
	}
	return rawURL
}
