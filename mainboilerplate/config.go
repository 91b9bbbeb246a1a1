package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// ConfigRootEnv names an environment variable which, if set, is the first
// directory searched for an INI configuration file.
const ConfigRootEnv = "TILECACHE_CONFIG_ROOT"

// ConfigSearchPaths returns the directories searched for an INI file, in
// order of preference:
//   - $TILECACHE_CONFIG_ROOT, if set.
//   - The current working directory.
//   - ~/.config/tilecache (under the users's $HOME or %UserProfile% directory).
func ConfigSearchPaths() []string {
	var out []string
	if root := os.Getenv(ConfigRootEnv); root != "" {
		out = append(out, root)
	}
	out = append(out, ".")

	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			out = append(out, filepath.Join(home, ".config", "tilecache"))
		}
	}
	return out
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
// The first INI file matching |configName| within ConfigSearchPaths is used.
func MustParseConfig(parser *flags.Parser, configName string) {
	// Allow unknown options while parsing an INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	for _, prefix := range ConfigSearchPaths() {
		var path = filepath.Join(prefix, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	// Restore original options for parsing argument flags.
	parser.Options = origOptions
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		// A command's Execute failed. Its error was already logged.
		os.Exit(1)
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// These error types indicate a problem in the configuration object
		// |parser| was asked to parse (eg, a developer error rather than input error).
		panic(err)

	case flags.ErrCommandRequired:
		// Extend go-flag's "Please specify one command of: ... " output with the full usage.
		os.Stderr.WriteString("\n")
		parser.WriteHelp(os.Stderr)
		writeVersion()
		os.Exit(1)

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
		}
		writeVersion()
		os.Exit(0)

	default:
		// Other error types indicate a problem of input, and go-flags
		// has already printed a helpful message.
		os.Exit(1)
	}
}

func writeVersion() {
	fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd to the Parser. The "print-config" command helps users test
// whether their tools are correctly configured, by exporting all runtime
// configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, err := parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI
format. The result may be saved as `+configName+` for later use.
`, &printConfig{parser})
	Must(err, "failed to add print-config command")
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
