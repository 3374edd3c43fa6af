package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/INLOpen/nexuslake/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	addUserFile := addCmd.String("file", "users.db", "Path to the user database file.")
	addUsername := addCmd.String("username", "", "Username for the new user.")
	addRole := addCmd.String("role", auth.RoleReader, "Role for the new user (reader or writer).")
	addHashType := addCmd.String("hash-type", "bcrypt", "Hash type for a new file (bcrypt, sha256, sha512).")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listUserFile := listCmd.String("file", "users.db", "Path to the user database file.")

	deleteCmd := flag.NewFlagSet("delete", flag.ExitOnError)
	deleteUserFile := deleteCmd.String("file", "users.db", "Path to the user database file.")
	deleteUsername := deleteCmd.String("username", "", "Username to delete.")

	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	verifyUserFile := verifyCmd.String("file", "users.db", "Path to the user database file.")
	verifyUsername := verifyCmd.String("username", "", "Username to verify.")

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		handleAdd(addCmd, *addUserFile, *addUsername, *addRole, *addHashType)
	case "list":
		listCmd.Parse(os.Args[2:])
		handleList(*listUserFile)
	case "delete":
		deleteCmd.Parse(os.Args[2:])
		handleDelete(deleteCmd, *deleteUserFile, *deleteUsername)
	case "verify":
		verifyCmd.Parse(os.Args[2:])
		handleVerify(verifyCmd, *verifyUserFile, *verifyUsername)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: user-admin <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  add    - Add a new user")
	fmt.Println("  list   - List all users")
	fmt.Println("  delete - Delete a user")
	fmt.Println("  verify - Check a user's credentials")
	fmt.Println("\nUse 'user-admin <command> -h' for more information on a specific command.")
}

// fatal prints an error for the operator and exits. All the subcommands
// report failures this way so scripts can rely on the exit code.
func fatal(format string, args ...any) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

func requireUsername(fs *flag.FlagSet, username string) {
	if username == "" {
		fmt.Println("Error: -username is required.")
		fs.Usage()
		os.Exit(1)
	}
}

// promptPassword reads a password from the terminal without echoing it.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // Newline after password input
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

func loadUsers(file string) (map[string]auth.UserRecord, auth.HashType) {
	users, hashType, err := auth.ReadUserFile(file)
	if err != nil {
		fatal("reading user file: %v", err)
	}
	return users, hashType
}

func parseHashType(s string) (auth.HashType, error) {
	switch s {
	case "bcrypt":
		return auth.HashTypeBcrypt, nil
	case "sha256":
		return auth.HashTypeSHA256, nil
	case "sha512":
		return auth.HashTypeSHA512, nil
	default:
		return auth.HashTypeUnknown, fmt.Errorf("invalid hash type '%s', supported values are: bcrypt, sha256, sha512", s)
	}
}

func hashTypeName(t auth.HashType) string {
	switch t {
	case auth.HashTypeBcrypt:
		return "bcrypt"
	case auth.HashTypeSHA256:
		return "sha256"
	case auth.HashTypeSHA512:
		return "sha512"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

func handleAdd(fs *flag.FlagSet, file, username, role, hashTypeStr string) {
	requireUsername(fs, username)
	if role != auth.RoleReader && role != auth.RoleWriter {
		fmt.Printf("Error: -role must be either '%s' or '%s'.\n", auth.RoleReader, auth.RoleWriter)
		fs.Usage()
		os.Exit(1)
	}

	password, err := promptPassword("Enter password: ")
	if err != nil {
		fatal("reading password: %v", err)
	}
	passwordConfirm, err := promptPassword("Confirm password: ")
	if err != nil {
		fatal("reading password confirmation: %v", err)
	}
	if password != passwordConfirm {
		fatal("passwords do not match")
	}

	users, existingHashType := loadUsers(file)
	if _, exists := users[username]; exists {
		fatal("user '%s' already exists", username)
	}

	// The whole file shares one hash type, so the -hash-type flag only
	// applies when the file is being created.
	hashType := existingHashType
	if len(users) == 0 {
		hashType, err = parseHashType(hashTypeStr)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Creating new user file with hash type: %s\n", hashTypeStr)
	} else {
		fmt.Printf("Adding user to existing file (hash type: %s)\n", hashTypeName(hashType))
	}

	hashedPassword, err := auth.HashPassword(password, hashType)
	if err != nil {
		fatal("hashing password: %v", err)
	}
	users[username] = auth.UserRecord{
		Username:     username,
		PasswordHash: hashedPassword,
		Role:         role,
	}
	if err := auth.WriteUserFile(file, users, hashType); err != nil {
		fatal("writing user file: %v", err)
	}

	fmt.Printf("Successfully added user '%s' with role '%s' to %s.\n", username, role, file)
}

func handleList(file string) {
	users, hashType := loadUsers(file)
	if len(users) == 0 {
		fmt.Println("No users found.")
		return
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("Users in %s (hash type: %s):\n", file, hashTypeName(hashType))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, users[name].Role)
	}
	w.Flush()
}

func handleDelete(fs *flag.FlagSet, file, username string) {
	requireUsername(fs, username)

	users, hashType := loadUsers(file)
	if _, exists := users[username]; !exists {
		fatal("user '%s' not found", username)
	}
	delete(users, username)

	if err := auth.WriteUserFile(file, users, hashType); err != nil {
		fatal("writing user file: %v", err)
	}

	fmt.Printf("Successfully deleted user '%s' from %s.\n", username, file)
}

func handleVerify(fs *flag.FlagSet, file, username string) {
	requireUsername(fs, username)

	password, err := promptPassword("Enter password: ")
	if err != nil {
		fatal("reading password: %v", err)
	}

	// Run the check through the same authenticator the server uses.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	authenticator, err := auth.NewAuthenticator(file, quiet)
	if err != nil {
		fatal("loading user file: %v", err)
	}

	if err := authenticator.AuthenticateUserPass(username, password); err != nil {
		fmt.Printf("Verification failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Credentials for user '%s' are valid.\n", username)
}
