package transport

var (
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildID   string = "unknown"
	buildDate string = "unknown"
)

// Version is the library release identifier.
const Version = "0.1"

func GitSHA1() string {
	return gitSHA1
}

func GitDirty() string {
	return gitDirty
}

func BuildIDRaw() string {
	return buildID + buildDate + gitSHA1 + gitDirty
}
