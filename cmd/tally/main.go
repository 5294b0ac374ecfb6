// Command tally is the Tally CLI client.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/tally/comms"
	"github.com/GoCodeAlone/tally/internal/version"
	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/tree"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", envOr("TALLY_SERVER", defaultServer), "tally server URL")
		token     = flag.String("token", os.Getenv("TALLY_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		fmt.Println(version.String("tally"))
	case "hash-password":
		err = cmdHashPassword(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "projects":
		err = cli.cmdProjects(rest)
	case "verify":
		err = cli.cmdVerify(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "todos":
		err = cli.cmdTodos(rest)
	case "todo":
		err = cli.cmdTodo(rest)
	case "notifications":
		err = cli.cmdNotifications(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `tally: task hierarchy and assignment tracker

Usage:
  tally [flags] <command> [args]

Flags:
  --server  <url>    server URL (or $TALLY_SERVER, default http://localhost:9090)
  --token   <token>  JWT auth token (or $TALLY_TOKEN)

Commands:
  version                              print version
  hash-password <password>             print a bcrypt hash for the config file
  status                               show server status
  login <username> <password>          print a token
  projects                             list projects
  verify <assignment>                  check an assignment's task tree
  tasks <assignment>                   list root tasks of an assignment
  task create <assignment> <title>     create a root task
  task add <parent> <title>            create a subtask
  task show <id>                       show a task
  task tree <id>                       print a task subtree
  task progress <id> <percent>         set progress on a leaf task
  task move <id> <parent>              re-parent a task
  task accept|start|complete|approve <id>
  task delete <id>                     delete a task without dependents
  todos <task>                         list todo items of a task
  todo add <task> <title>              assign a todo item
  todo accept|start|approve|reopen <id>
  todo reject|reject-completion <id> <reason>
  todo progress <id> <percent>
  todo complete <id> <percent> [details]
  notifications                        list your notifications
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: tally %s", usage)
	}
	return nil
}

func parsePercent(s string) (float64, error) {
	p, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid percent %q", s)
	}
	return p, nil
}

// --- local ---

func cmdHashPassword(args []string) error {
	if err := need(args, 1, "hash-password <password>"); err != nil {
		return err
	}
	h, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(h))
	return nil
}

// --- status / auth ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]string
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", result["status"])
	fmt.Printf("version: %s\n", result["version"])
	if up := result["uptime"]; up != "" {
		fmt.Printf("uptime:  %s\n", up)
	}
	return nil
}

func (c *Client) cmdLogin(args []string) error {
	if err := need(args, 2, "login <username> <password>"); err != nil {
		return err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.post("/api/auth/login", map[string]string{"username": args[0], "password": args[1]}, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	return nil
}

// --- projects ---

func (c *Client) cmdProjects(_ []string) error {
	var projects []task.Project
	if err := c.get("/api/projects", &projects); err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("no projects")
		return nil
	}
	fmt.Printf("%-36s %-30s\n", "ID", "NAME")
	fmt.Println(strings.Repeat("-", 67))
	for _, p := range projects {
		fmt.Printf("%-36s %-30s\n", p.ID, truncate(p.Name, 29))
	}
	return nil
}

func (c *Client) cmdVerify(args []string) error {
	if err := need(args, 1, "verify <assignment>"); err != nil {
		return err
	}
	var resp struct {
		OK       bool     `json:"ok"`
		Problems []string `json:"problems"`
	}
	if err := c.get("/api/assignments/"+url.PathEscape(args[0])+"/verify", &resp); err != nil {
		return err
	}
	if resp.OK {
		fmt.Println("ok")
		return nil
	}
	for _, p := range resp.Problems {
		fmt.Println(p)
	}
	return fmt.Errorf("%d problem(s)", len(resp.Problems))
}

// --- tasks ---

func (c *Client) cmdTasks(args []string) error {
	if err := need(args, 1, "tasks <assignment>"); err != nil {
		return err
	}
	q := url.Values{"assignment_id": {args[0]}, "roots": {"true"}}
	var tasks []task.Task
	if err := c.get("/api/tasks?"+q.Encode(), &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-30s %-12s %8s\n", "ID", "TITLE", "STATUS", "PROGRESS")
	fmt.Println(strings.Repeat("-", 91))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-12s %7.1f%%\n", t.ID, truncate(t.Title, 29), t.Status, t.Progress)
	}
	return nil
}

func (c *Client) cmdTask(args []string) error {
	if err := need(args, 2, "task <subcommand> <id> [args]"); err != nil {
		return err
	}
	sub, id := args[0], args[1]
	path := "/api/tasks/" + url.PathEscape(id)
	var t task.Task
	switch sub {
	case "create", "add":
		if err := need(args, 3, "task "+sub+" <id> <title>"); err != nil {
			return err
		}
		body := map[string]any{"title": strings.Join(args[2:], " ")}
		if sub == "create" {
			body["assignment_id"] = id
		} else {
			var parent task.Task
			if err := c.get(path, &parent); err != nil {
				return err
			}
			body["assignment_id"] = parent.AssignmentID
			body["parent_id"] = parent.ID
		}
		if err := c.post("/api/tasks", body, &t); err != nil {
			return err
		}
		fmt.Printf("created task %s\n", t.ID)
		return nil
	case "show":
		if err := c.get(path, &t); err != nil {
			return err
		}
	case "tree":
		var n tree.Node
		if err := c.get(path+"/tree", &n); err != nil {
			return err
		}
		printNode(&n, 0)
		return nil
	case "progress":
		if err := need(args, 3, "task progress <id> <percent>"); err != nil {
			return err
		}
		p, err := parsePercent(args[2])
		if err != nil {
			return err
		}
		if err := c.do(http.MethodPatch, path+"/progress", map[string]float64{"progress": p}, &t); err != nil {
			return err
		}
	case "move":
		if err := need(args, 3, "task move <id> <parent>"); err != nil {
			return err
		}
		if err := c.post(path+"/parent", map[string]string{"parent_id": args[2]}, &t); err != nil {
			return err
		}
	case "accept", "start", "complete", "approve":
		if err := c.post(path+"/"+sub, nil, &t); err != nil {
			return err
		}
	case "delete":
		if err := c.do(http.MethodDelete, path, nil, nil); err != nil {
			return err
		}
		fmt.Printf("deleted task %s\n", id)
		return nil
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	printTask(&t)
	return nil
}

func printTask(t *task.Task) {
	fmt.Printf("id:        %s\n", t.ID)
	fmt.Printf("title:     %s\n", t.Title)
	fmt.Printf("status:    %s\n", t.Status)
	fmt.Printf("progress:  %.1f%%\n", t.Progress)
	fmt.Printf("weight:    %d\n", t.Weight)
	fmt.Printf("depth:     %d\n", t.Depth)
	fmt.Printf("children:  %d/%d done\n", t.CompletedChildCount, t.ChildCount)
	if t.ParentID != "" {
		fmt.Printf("parent:    %s\n", t.ParentID)
	}
	if t.MilestoneID != "" {
		fmt.Printf("milestone: %s\n", t.MilestoneID)
	}
}

func printNode(n *tree.Node, indent int) {
	if n == nil || n.Task == nil {
		return
	}
	fmt.Printf("%s%-*s %6.1f%%  %-11s w=%d  %s\n",
		strings.Repeat("  ", indent), 36, n.Task.ID, n.Task.Progress, n.Task.Status, n.Task.Weight, n.Task.Title)
	for _, child := range n.Children {
		printNode(child, indent+1)
	}
}

// --- todo items ---

func (c *Client) cmdTodos(args []string) error {
	if err := need(args, 1, "todos <task>"); err != nil {
		return err
	}
	var items []task.TodoItem
	if err := c.get("/api/tasks/"+url.PathEscape(args[0])+"/todoitems", &items); err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no todo items")
		return nil
	}
	fmt.Printf("%-36s %-30s %-12s %-12s %8s\n", "ID", "TITLE", "ASSIGNEE", "STATUS", "PROGRESS")
	fmt.Println(strings.Repeat("-", 104))
	for _, it := range items {
		fmt.Printf("%-36s %-30s %-12s %-12s %7.1f%%\n",
			it.ID, truncate(it.Title, 29), truncate(it.AssignedTo, 11), it.Status, it.Progress)
	}
	return nil
}

func (c *Client) cmdTodo(args []string) error {
	if err := need(args, 2, "todo <action> <id> [args]"); err != nil {
		return err
	}
	sub, id := args[0], args[1]
	var item task.TodoItem

	if sub == "add" {
		if err := need(args, 3, "todo add <task> <title>"); err != nil {
			return err
		}
		body := map[string]string{"title": strings.Join(args[2:], " ")}
		if err := c.post("/api/tasks/"+url.PathEscape(id)+"/todoitems", body, &item); err != nil {
			return err
		}
		fmt.Printf("created todo item %s for %s\n", item.ID, item.AssignedTo)
		return nil
	}

	body := map[string]any{}
	switch sub {
	case "accept", "start", "approve", "reopen":
	case "reject", "reject-completion":
		if err := need(args, 3, "todo "+sub+" <id> <reason>"); err != nil {
			return err
		}
		body["reason"] = strings.Join(args[2:], " ")
	case "progress", "complete":
		if err := need(args, 3, "todo "+sub+" <id> <percent>"); err != nil {
			return err
		}
		p, err := parsePercent(args[2])
		if err != nil {
			return err
		}
		body["progress"] = p
		if sub == "complete" && len(args) > 3 {
			body["details"] = strings.Join(args[3:], " ")
		}
	default:
		return fmt.Errorf("unknown todo action: %s", sub)
	}
	if err := c.post("/api/todoitems/"+url.PathEscape(id)+"/"+sub, body, &item); err != nil {
		return err
	}
	fmt.Printf("todo item %s is %s (%.1f%%)\n", item.ID, item.Status, item.Progress)
	return nil
}

// --- notifications ---

func (c *Client) cmdNotifications(_ []string) error {
	var notes []comms.Notification
	if err := c.get("/api/notifications", &notes); err != nil {
		return err
	}
	if len(notes) == 0 {
		fmt.Println("no notifications")
		return nil
	}
	for _, n := range notes {
		fmt.Printf("%s  %-28s %s\n", n.CreatedAt.Local().Format(time.DateTime), n.Subject, n.Message)
	}
	return nil
}

// --- helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
