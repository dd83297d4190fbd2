package handlers

import "net/http"

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

var buildInfo = VersionResponse{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetBuildInfo records the build metadata reported by /version. Called once
// at startup from the CLI entry point.
func SetBuildInfo(version, commit, buildDate string) {
	if version != "" {
		buildInfo.Version = version
	}
	if commit != "" {
		buildInfo.Commit = commit
	}
	if buildDate != "" {
		buildInfo.BuildDate = buildDate
	}
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildInfo)
}
