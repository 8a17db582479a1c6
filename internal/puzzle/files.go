// internal/puzzle/files.go
package puzzle

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/sirupsen/logrus"
)

// NodeType classifies entries of the file tree.
type NodeType string

const (
	NodeFolder     NodeType = "folder"
	NodeFile       NodeType = "file"
	NodeExecutable NodeType = "executable"
)

// DisarmKeyPath is the file whose unlocked opening ends the game.
const DisarmKeyPath = "/Core/BombControl/disarm.key"

// Node is one entry of the desktop file tree.
type Node struct {
	Name string   `json:"name"`
	Type NodeType `json:"type"`
	Path string   `json:"path"`
	// Requires names the puzzle subtree that must be solved before the node opens.
	Requires string `json:"requires,omitempty"`
	// Disabled nodes never open.
	Disabled bool   `json:"disabled,omitempty"`
	Content  string `json:"-"`
	// LockedContent is shown when a locked file is opened.
	LockedContent string `json:"-"`
}

// Locked reports whether the node is closed given the lobby root.
func (n Node) Locked(root map[string]any) bool {
	if n.Disabled {
		return true
	}
	return n.Requires != "" && !solved(root, n.Requires)
}

// Tree is an immutable file tree indexed by path.
type Tree struct {
	nodes map[string]Node
}

// NewTree indexes nodes by path. Parents are derived from the paths.
func NewTree(nodes []Node) *Tree {
	t := &Tree{nodes: make(map[string]Node, len(nodes)+1)}
	t.nodes["/"] = Node{Name: "Root", Type: NodeFolder, Path: "/"}
	for _, n := range nodes {
		t.nodes[n.Path] = n
	}
	return t
}

// Lookup returns the node at p.
func (t *Tree) Lookup(p string) (Node, bool) {
	n, ok := t.nodes[p]
	return n, ok
}

// List returns the children of the folder at dir, folders first then by name.
func (t *Tree) List(dir string) []Node {
	var out []Node
	for p, n := range t.nodes {
		if p != "/" && path.Dir(p) == dir {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		fi, fj := out[i].Type == NodeFolder, out[j].Type == NodeFolder
		if fi != fj {
			return fi
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// DefaultTree returns the TOMAX mainframe file system.
func DefaultTree() *Tree {
	return NewTree([]Node{
		{Name: "Core", Type: NodeFolder, Path: "/Core"},
		{Name: "Users", Type: NodeFolder, Path: "/Users"},
		{Name: "Documents", Type: NodeFolder, Path: "/Documents"},

		{Name: "BombControl", Type: NodeFolder, Path: "/Core/BombControl"},
		{Name: "ControlPanel", Type: NodeFolder, Path: "/Core/ControlPanel", Requires: KeypadKey},
		{Name: "SystemLogs", Type: NodeFolder, Path: "/Core/SystemLogs"},

		{Name: "arm.exe", Type: NodeExecutable, Path: "/Core/BombControl/arm.exe"},
		{Name: "status.log", Type: NodeFile, Path: "/Core/BombControl/status.log", Content: statusLog},
		{Name: "disarm.key", Type: NodeFile, Path: DisarmKeyPath, Requires: KeypadKey,
			Content: disarmKey, LockedContent: disarmKeyLocked},

		{Name: "legacy_user_error.log", Type: NodeFile, Path: "/Core/SystemLogs/legacy_user_error.log", Content: legacyErrorLog},

		{Name: "Admins", Type: NodeFolder, Path: "/Users/Admins"},
		{Name: "Employees", Type: NodeFolder, Path: "/Users/Employees"},
		{Name: "admin_legacy", Type: NodeFolder, Path: "/Users/Admins/admin_legacy", Disabled: true},
		{Name: "sys_admin", Type: NodeFolder, Path: "/Users/Admins/sys_admin"},
		{Name: "onboarding.csv", Type: NodeFile, Path: "/Users/Employees/onboarding.csv", Content: onboardingCSV},

		{Name: "SecurityProtocols", Type: NodeFolder, Path: "/Documents/SecurityProtocols"},
		{Name: "level3_access.txt", Type: NodeFile, Path: "/Documents/SecurityProtocols/level3_access.txt", Content: level3Access},
	})
}

// OpenResult reports what opening a node did.
type OpenResult struct {
	Applied bool
	// NeedsKeypad is set when a keypad-locked node was opened; clients show the keypad.
	NeedsKeypad bool
	Escaped     bool
}

// Files mirrors the leader's file browser to every observer.
type Files struct {
	store  store.Store
	clock  clock.Clock
	tree   *Tree
	phases *Phases
	log    logrus.FieldLogger
}

// NewFiles returns a browser over tree. phases advances the game when the
// disarm key is read.
func NewFiles(s store.Store, c clock.Clock, tree *Tree, phases *Phases, log logrus.FieldLogger) *Files {
	if c == nil {
		c = clock.Real()
	}
	if tree == nil {
		tree = DefaultTree()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Files{store: s, clock: c, tree: tree, phases: phases, log: log}
}

// Tree returns the browsed tree.
func (f *Files) Tree() *Tree { return f.tree }

func explorerOf(root map[string]any) models.FileExplorerState {
	var st models.FileExplorerState
	_ = store.Decode(store.ChildOf(root, "fileExplorer"), &st)
	if st.CurrentPath == "" {
		st.CurrentPath = "/"
	}
	return st
}

// State returns the browser state.
func (f *Files) State(ctx context.Context, code string) (models.FileExplorerState, error) {
	var st models.FileExplorerState
	v, err := f.store.Get(ctx, store.LobbyPath(code, "fileExplorer"))
	if err != nil {
		return st, err
	}
	if err := store.Decode(v, &st); err != nil {
		return st, err
	}
	if st.CurrentPath == "" {
		st.CurrentPath = "/"
	}
	return st, nil
}

// Content returns the text of the file at p as currently visible in root.
func (f *Files) Content(root map[string]any, p string) string {
	n, ok := f.tree.Lookup(p)
	if !ok || n.Type == NodeFolder {
		return ""
	}
	if n.Locked(root) {
		return n.LockedContent
	}
	if n.Content == "" {
		return "No content available for this file."
	}
	return n.Content
}

// mutate applies fn to the explorer state. The browser is usable by the leader once
// the explorer window is open.
func (f *Files) mutate(ctx context.Context, code, actorID string, fn func(root map[string]any, st *models.FileExplorerState) error) (bool, error) {
	now := clock.Millis(f.clock.Now())
	return leaderTx(ctx, f.store, code, actorID, func(root map[string]any) error {
		if !desktopOf(root).FileExplorerOpen {
			return store.ErrAbort
		}
		st := explorerOf(root)
		if err := fn(root, &st); err != nil {
			return err
		}
		st.LastUpdated = now
		_, err := store.WithChild(root, "fileExplorer", st)
		return err
	})
}

// Navigate enters the folder at p. Locked folders and files are ignored.
func (f *Files) Navigate(ctx context.Context, code, actorID, p string) (bool, error) {
	p = cleanPath(p)
	return f.mutate(ctx, code, actorID, func(root map[string]any, st *models.FileExplorerState) error {
		n, ok := f.tree.Lookup(p)
		if !ok || n.Type != NodeFolder || n.Locked(root) || st.CurrentPath == p {
			return store.ErrAbort
		}
		st.History = append(st.History, st.CurrentPath)
		st.CurrentPath = p
		st.SelectedItem = ""
		return nil
	})
}

// Back moves to the parent folder.
func (f *Files) Back(ctx context.Context, code, actorID string) (bool, error) {
	return f.mutate(ctx, code, actorID, func(_ map[string]any, st *models.FileExplorerState) error {
		if st.CurrentPath == "/" {
			return store.ErrAbort
		}
		st.CurrentPath = path.Dir(st.CurrentPath)
		if n := len(st.History); n > 0 {
			st.History = st.History[:n-1]
		}
		st.SelectedItem = ""
		return nil
	})
}

// Select toggles the highlighted entry.
func (f *Files) Select(ctx context.Context, code, actorID, p string) (bool, error) {
	p = cleanPath(p)
	return f.mutate(ctx, code, actorID, func(_ map[string]any, st *models.FileExplorerState) error {
		if _, ok := f.tree.Lookup(p); !ok {
			return store.ErrAbort
		}
		if st.SelectedItem == p {
			st.SelectedItem = ""
		} else {
			st.SelectedItem = p
		}
		return nil
	})
}

// Open opens the node at p: folders are entered, files are shown to everyone.
// Opening the unlocked disarm key escapes the room.
func (f *Files) Open(ctx context.Context, code, actorID, p string) (OpenResult, error) {
	p = cleanPath(p)
	n, ok := f.tree.Lookup(p)
	if !ok {
		return OpenResult{}, nil
	}
	if n.Type == NodeFolder {
		applied, err := f.Navigate(ctx, code, actorID, p)
		if !applied && err == nil {
			applied, err = f.needsKeypad(ctx, code, actorID, n)
			return OpenResult{NeedsKeypad: applied}, err
		}
		return OpenResult{Applied: applied}, err
	}

	var locked bool
	applied, err := f.mutate(ctx, code, actorID, func(root map[string]any, st *models.FileExplorerState) error {
		locked = n.Locked(root)
		st.CurrentFile = p
		st.ShowFileContent = true
		st.SelectedItem = p
		return nil
	})
	res := OpenResult{Applied: applied, NeedsKeypad: applied && locked && n.Requires == KeypadKey}
	if err != nil || !applied {
		return res, err
	}
	if p == DisarmKeyPath && !locked && f.phases != nil {
		// Opening the key again retries an escape whose write failed.
		ctx, cancel := detach(ctx)
		defer cancel()
		res.Escaped, err = f.phases.Advance(ctx, code, models.PhaseDesktop)
		if res.Escaped {
			f.log.WithFields(logrus.Fields{"lobby": code, "player": actorID}).Infof("disarm key opened")
		}
	}
	return res, err
}

// needsKeypad reports whether a folder refused by Navigate is waiting on the keypad.
func (f *Files) needsKeypad(ctx context.Context, code, actorID string, n Node) (bool, error) {
	if n.Requires != KeypadKey {
		return false, nil
	}
	var waiting bool
	_, err := leaderTx(ctx, f.store, code, actorID, func(root map[string]any) error {
		waiting = desktopOf(root).FileExplorerOpen && n.Locked(root)
		return store.ErrAbort
	})
	return waiting, err
}

// CloseFile hides the open file.
func (f *Files) CloseFile(ctx context.Context, code, actorID string) (bool, error) {
	return f.mutate(ctx, code, actorID, func(_ map[string]any, st *models.FileExplorerState) error {
		if !st.ShowFileContent {
			return store.ErrAbort
		}
		st.ShowFileContent = false
		st.CurrentFile = ""
		return nil
	})
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

const statusLog = `=== BOMB STATUS LOG ===

SYSTEM: ARMED
SECURITY LEVEL: MAXIMUM
COUNTDOWN: ACTIVE
DISARM ATTEMPTS: 0
REMOTE ACCESS: DISABLED

WARNING: Unauthorized access detected
ACTION REQUIRED: Immediate disarm procedure
AUTHENTICATION: Level 3 Admin Access Required

NOTICE: Disarm key file is locked. Use admin_legacy credentials to unlock.
`

const legacyErrorLog = `=== SYSTEM ERROR LOG ===
Error Code: AUTH_573
Severity: CRITICAL

User 'admin_legacy' account has been locked due to suspicious activity.
Attempted access from unauthorized IP: 192.168.1.254

Security protocol triggered:
- Account disabled
- Files locked
- Audit log created

Note from Security Team:
The legacy admin credentials have been compromised.
For recovery, use the format: [firstname].[year_of_joining]
Search the onboarding files for this information.

Supervisor signature: D. Cooper
`

const onboardingCSV = `Date,Employee ID,Last Name,First Name,Position,Year Joined,Department,Status
2018-06-12,EMP0045,Johnson,Emily,Software Engineer,2018,Engineering,Active
2004-02-15,EMP0023,Miller,Alexander,Network Administrator,2004,IT,Inactive
2020-01-30,EMP0067,Williams,Sophia,UX Designer,2020,Design,Active
2017-11-05,EMP0056,Brown,James,Data Analyst,2017,Analytics,Active
2015-08-20,EMP0034,Jones,Olivia,Project Manager,2015,Management,Active
2010-03-10,EMP0028,Davis,Daniel,Systems Engineer,2010,Engineering,Terminated
2004-03-01,EMP0024,Cohen,David,System Admin,2004,IT,Terminated
2019-09-25,EMP0061,Wilson,Emma,Marketing Specialist,2019,Marketing,Active
2004-05-17,EMP0025,Taylor,Mia,Security Specialist,2004,IT,Inactive
2022-02-01,EMP0075,Smith,Liam,Frontend Developer,2022,Engineering,Active
2004-11-30,EMP0026,Legacy,Adam,IT Admin,2004,IT,Inactive
2014-07-15,EMP0033,Anderson,Isabella,HR Manager,2014,HR,Active
`

const level3Access = `=== LEVEL 3 ACCESS RECOVERY PROTOCOL ===

For security reasons, admin_legacy account has been locked.

To restore access, you will need:
1. The admin's first name
2. The year they joined TOMAX

Access recovery format: [firstname].[year_of_joining]

Example: if John Doe joined in 2010, recovery would be: john.2010

IMPORTANT: Case sensitive! Use lowercase for the name.

Note: You can find onboarding records in the Employees directory.
`

const disarmKeyLocked = `[THIS FILE IS LOCKED]

Requires admin_legacy credentials to access.
Attempt to force access will trigger security alarm.
`

const disarmKey = `=== DISARM AUTHORIZATION KEY ===
AUTHORIZATION: GRANTED
CODE: 7B-32F-9E1-A45-C08

DISARM PROCEDURE:
1. Access Control Panel with admin_legacy
2. Enter authorization key when prompted
3. Confirm disarm command with biometric scan
4. Wait for system acknowledgment

WARNING: Do not share this key. Any unauthorized
access will be reported to security.
`
