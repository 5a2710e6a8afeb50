// cmd/tools/registry-updater/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"notification-dispatch/pkg/registry"
)

const defaultPath = "configs/notification-types.json"

func main() {
	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	updateCmd := flag.NewFlagSet("update", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)

	addPath := addCmd.String("path", defaultPath, "Path to registry file")
	code := addCmd.String("code", "", "Type code (e.g., invoice_ready)")
	displayName := addCmd.String("displayName", "", "Display Name")
	category := addCmd.String("category", "", "Category (security, transactional, marketing, system)")
	optOut := addCmd.Bool("optOutable", true, "Whether recipients may opt out")
	quiet := addCmd.Bool("quietHours", true, "Whether quiet hours apply")
	priority := addCmd.String("priority", "normal", "Default priority (critical, high, normal, low)")
	channels := addCmd.String("channels", "", "Comma separated allowed channels, empty allows all")

	updatePath := updateCmd.String("path", defaultPath, "Path to registry file")
	codeUpdate := updateCmd.String("code", "", "Type code to update")
	field := updateCmd.String("field", "", "Field to update (category, optOutable, quietHours, priority, channels, displayName)")
	value := updateCmd.String("value", "", "New value for the field")

	validatePath := validateCmd.String("path", defaultPath, "Path to registry file")
	listPath := listCmd.String("path", defaultPath, "Path to registry file")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		if *code == "" || *category == "" {
			fmt.Println("Error: code and category are required for add.")
			addCmd.Usage()
			os.Exit(1)
		}
		t := registry.NotificationType{
			Code:               *code,
			DisplayName:        *displayName,
			Category:           *category,
			OptOutable:         *optOut,
			RespectsQuietHours: *quiet,
			DefaultPriority:    *priority,
			Channels:           splitChannels(*channels),
		}
		if err := addType(*addPath, t); err != nil {
			fmt.Printf("Error adding type: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Added type: %s\n", *code)

	case "update":
		updateCmd.Parse(os.Args[2:])
		if *codeUpdate == "" || *field == "" {
			fmt.Println("Error: code and field are required for update.")
			updateCmd.Usage()
			os.Exit(1)
		}
		if err := updateType(*updatePath, *codeUpdate, *field, *value); err != nil {
			fmt.Printf("Error updating type: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated type %s, field %s to %q\n", *codeUpdate, *field, *value)

	case "validate":
		validateCmd.Parse(os.Args[2:])
		reg, err := registry.ReadFile(*validatePath)
		if err == nil {
			err = reg.Validate()
		}
		if err != nil {
			fmt.Printf("Registry validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registry validation passed. Found %d types.\n", len(reg.Types))

	case "list":
		listCmd.Parse(os.Args[2:])
		reg, err := registry.ReadFile(*listPath)
		if err != nil {
			fmt.Printf("Error reading registry: %v\n", err)
			os.Exit(1)
		}
		for _, t := range reg.Types {
			fmt.Printf("%-20s %-14s optOut=%-5t quiet=%-5t priority=%-8s channels=%s\n",
				t.Code, t.Category, t.OptOutable, t.RespectsQuietHours, t.DefaultPriority, strings.Join(t.Channels, ","))
		}

	case "help":
		fallthrough
	default:
		help()
	}
}

func addType(path string, t registry.NotificationType) error {
	reg, err := registry.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load registry: %w", err)
		}
		reg = &registry.TypeRegistry{Version: "1.0.0"}
	}
	for _, existing := range reg.Types {
		if existing.Code == t.Code {
			return fmt.Errorf("type %s already exists", t.Code)
		}
	}
	reg.Types = append(reg.Types, t)
	return save(reg, path)
}

func updateType(path, code, field, value string) error {
	reg, err := registry.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	var t *registry.NotificationType
	for i := range reg.Types {
		if reg.Types[i].Code == code {
			t = &reg.Types[i]
			break
		}
	}
	if t == nil {
		return fmt.Errorf("type %s not found", code)
	}

	switch field {
	case "category":
		t.Category = value
	case "displayName":
		t.DisplayName = value
	case "priority":
		t.DefaultPriority = value
	case "channels":
		t.Channels = splitChannels(value)
	case "optOutable", "quietHours":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", field, err)
		}
		if field == "optOutable" {
			t.OptOutable = b
		} else {
			t.RespectsQuietHours = b
		}
	default:
		return fmt.Errorf("unknown field: %s", field)
	}
	return save(reg, path)
}

// save refuses to write a file the dispatcher would reject at startup.
func save(reg *registry.TypeRegistry, path string) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	reg.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	return reg.Save(path)
}

func splitChannels(s string) []string {
	var out []string
	for _, ch := range strings.Split(s, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

func help() {
	fmt.Print(`
Usage: registry-updater <command> [flags]

Commands:
  add      Add a notification type to the registry
  update   Update a field of an existing type
  validate Validate the registry file
  list     Print the types in the registry
  help     Show this help message

Examples:
  registry-updater add -code invoice_ready -category transactional -optOutable=false -channels email,in_app
  registry-updater update -code newsletter -field quietHours -value false
  registry-updater validate -path configs/notification-types.json

Use 'registry-updater <command> -h' for more information about a command.
` + "\n")
}
