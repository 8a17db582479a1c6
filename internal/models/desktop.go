package models

// DesktopState mirrors which windows are open on the shared desktop.
type DesktopState struct {
	FileExplorerOpen    bool `json:"fileExplorerOpen"`
	FirewallWindowOpen  bool `json:"firewallWindowOpen"`
	UseServerBackground bool `json:"useServerBackground,omitempty"`
}

// FileExplorerState mirrors the leader's navigation in the file browser.
type FileExplorerState struct {
	CurrentPath     string   `json:"currentPath"`
	History         []string `json:"history,omitempty"`
	SelectedItem    string   `json:"selectedItem,omitempty"`
	CurrentFile     string   `json:"currentFile,omitempty"`
	ShowFileContent bool     `json:"showFileContent"`
	LastUpdated     int64    `json:"lastUpdated,omitempty"`
}
