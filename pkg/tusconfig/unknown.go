package tusconfig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// knownKeys are the valid top-level keys in the config file. Kept as a set
// separate from the Config struct tags so checkUnknownKeys doesn't need
// reflection to enumerate them.
var knownKeys = map[string]bool{
	"endpoint": true, "chunk_size": true, "parallel_uploads": true,
	"retry_delays": true, "dialect": true, "connect_timeout": true,
	"store_dir": true, "log_level": true,
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns a
// descriptive error for each. A typo in a config file should fail loudly
// rather than silently falling back to a default.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()
		topKey := strings.SplitN(keyStr, ".", 2)[0]

		if knownKeys[topKey] {
			continue
		}

		errs = append(errs, fmt.Errorf("tusconfig: unknown config key %q", keyStr))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
