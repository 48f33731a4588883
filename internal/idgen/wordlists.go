package idgen

// defaultAdjectives and defaultNouns are a small built-in word pool; real
// deployments are expected to supply larger curated lists via New. Every
// word is lowercase ASCII, alphanumeric, and starts with a letter per the
// session-ID format regularity invariant.
var defaultAdjectives = []string{
	"calm", "bold", "quiet", "swift", "bright", "gentle", "brave", "clever",
	"eager", "fuzzy", "happy", "jolly", "kind", "lively", "mighty", "nimble",
	"proud", "quick", "rapid", "silent", "tidy", "upbeat", "vivid", "witty",
	"amber", "coral", "cosmic", "crimson", "golden", "ivory", "jade", "royal",
}

var defaultNouns = []string{
	"otter", "falcon", "harbor", "meadow", "canyon", "glacier", "lantern",
	"maple", "orbit", "pebble", "quartz", "river", "summit", "tundra",
	"violet", "willow", "zephyr", "beacon", "comet", "dune", "ember",
	"forest", "grove", "horizon", "island", "jungle", "lagoon", "mesa",
	"nebula", "oasis", "prairie", "reef",
}

// defaultBlacklist holds the built-in combined or bare forms rejected as a
// spoken or displayed session ID. It is empty: every rejected form comes
// from WithBlacklist.
var defaultBlacklist = map[string]struct{}{}
