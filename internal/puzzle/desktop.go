// internal/puzzle/desktop.go
package puzzle

import (
	"context"

	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/sirupsen/logrus"
)

// Window names accepted by Desktop.
const (
	WindowFileExplorer = "fileExplorer"
	WindowFirewall     = "firewall"
)

// Desktop mirrors the leader's window layout to every observer.
type Desktop struct {
	store store.Store
	log   logrus.FieldLogger
}

// NewDesktop returns a desktop controller.
func NewDesktop(s store.Store, log logrus.FieldLogger) *Desktop {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Desktop{store: s, log: log}
}

func desktopOf(root map[string]any) models.DesktopState {
	var d models.DesktopState
	_ = store.Decode(store.ChildOf(root, "desktopState"), &d)
	return d
}

// State returns the current desktop layout.
func (d *Desktop) State(ctx context.Context, code string) (models.DesktopState, error) {
	var st models.DesktopState
	v, err := d.store.Get(ctx, store.LobbyPath(code, "desktopState"))
	if err != nil {
		return st, err
	}
	err = store.Decode(v, &st)
	return st, err
}

// SetWindow opens or closes a window. The file explorer stays closed until the
// firewall is solved. Unknown windows and non-leaders are no-ops.
func (d *Desktop) SetWindow(ctx context.Context, code, actorID, window string, open bool) (bool, error) {
	ok, err := leaderTx(ctx, d.store, code, actorID, func(root map[string]any) error {
		st := desktopOf(root)
		switch window {
		case WindowFileExplorer:
			if open && !solved(root, FirewallKey) {
				return store.ErrAbort
			}
			if st.FileExplorerOpen == open {
				return store.ErrAbort
			}
			st.FileExplorerOpen = open
		case WindowFirewall:
			if st.FirewallWindowOpen == open {
				return store.ErrAbort
			}
			st.FirewallWindowOpen = open
		default:
			return store.ErrAbort
		}
		_, err := store.WithChild(root, "desktopState", st)
		return err
	})
	if ok {
		d.log.WithFields(logrus.Fields{"lobby": code, "window": window, "open": open}).Debugf("desktop window toggled")
	}
	return ok, err
}
