// Command client is a terminal chat client for the chatbox server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chatbox-tcp/chatbox/pkg/client"
	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

var version = "dev"

var (
	senderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	serverStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true)
	privateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// terminalPresenter renders chat traffic to stdout and reads
// credentials from stdin.
type terminalPresenter struct {
	stdin *bufio.Reader
}

func (p *terminalPresenter) Display(msg *protocol.ServerMessage) {
	sender := msg.Sender.Name
	switch {
	case msg.Sender.Role == protocol.RoleServer:
		fmt.Println(serverStyle.Render("[server] " + msg.Body))
	case msg.To.Role == protocol.RoleUser:
		fmt.Printf("%s %s\n", privateStyle.Render("[dm] "+sender+":"), msg.Body)
	case msg.To.Role == protocol.RoleGroup || msg.To.Role == protocol.RoleChannel:
		fmt.Printf("%s %s\n", senderStyle.Render("["+msg.To.Name+"] "+sender+":"), msg.Body)
	default:
		fmt.Printf("%s %s\n", senderStyle.Render(sender+":"), msg.Body)
	}
}

func (p *terminalPresenter) DisplayNotice(text string) {
	fmt.Println(noticeStyle.Render("* " + text))
}

func (p *terminalPresenter) PromptCredentials(attempt int) (string, string, error) {
	if attempt > 1 {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Login attempt %d", attempt)))
	}
	fmt.Print("Username: ")
	username, err := p.stdin.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	fmt.Print("Password: ")
	password, err := p.stdin.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(username), strings.TrimSpace(password), nil
}

func main() {
	addr := flag.String("server", "localhost:6680", "server address (host:port)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatbox-client %s\n", version)
		return
	}

	presenter := &terminalPresenter{stdin: bufio.NewReader(os.Stdin)}
	c, err := client.Dial(*addr, presenter)
	if err != nil {
		fmt.Println(errorStyle.Render(err.Error()))
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Login(); err != nil {
		fmt.Println(errorStyle.Render("Login failed: " + err.Error()))
		os.Exit(1)
	}

	go inputLoop(c, presenter)

	if err := c.Run(); err != nil {
		fmt.Println(errorStyle.Render("Connection lost: " + err.Error()))
		os.Exit(1)
	}
}

// inputLoop reads stdin lines and turns slash commands into protocol
// operations. Anything without a slash broadcasts to everyone.
func inputLoop(c *client.Client, presenter *terminalPresenter) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handleLine(c, line); err != nil {
			presenter.DisplayNotice("error: " + err.Error())
		}
	}
	c.Close()
}

func handleLine(c *client.Client, line string) error {
	if !strings.HasPrefix(line, "/") {
		return c.SendToAll(line)
	}

	fields := strings.Fields(line)
	command := fields[0]
	args := fields[1:]
	rest := func(n int) string { return strings.Join(args[n:], " ") }

	switch command {
	case "/msg":
		if len(args) < 3 {
			return fmt.Errorf("usage: /msg <user-id> <name> <text>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad user id %q", args[0])
		}
		return c.SendToUser(id, args[1], rest(2))
	case "/group":
		if len(args) < 2 {
			return fmt.Errorf("usage: /group <name> <text>")
		}
		return c.SendToGroup(args[0], rest(1))
	case "/channel":
		if len(args) < 2 {
			return fmt.Errorf("usage: /channel <name> <text>")
		}
		return c.SendToChannel(args[0], rest(1))
	case "/users":
		return c.Command(protocol.CodeUserListAll, "")
	case "/logged":
		return c.Command(protocol.CodeUserListLogged, "")
	case "/unlogged":
		return c.Command(protocol.CodeUserListUnLogged, "")
	case "/groups":
		return c.Command(protocol.CodeGroupList, "")
	case "/channels":
		return c.Command(protocol.CodeChannelListAll, "")
	case "/joined":
		return c.Command(protocol.CodeChannelListJoined, "")
	case "/create-group":
		if len(args) < 1 {
			return fmt.Errorf("usage: /create-group <name> [members...]")
		}
		return c.CreateGroup(args[0], args[1:])
	case "/create-channel":
		if len(args) != 1 {
			return fmt.Errorf("usage: /create-channel <name>")
		}
		return c.Command(protocol.CodeChannelCreate, args[0])
	case "/join":
		if len(args) != 1 {
			return fmt.Errorf("usage: /join <name>")
		}
		return c.Command(protocol.CodeChannelJoin, args[0])
	case "/leave":
		if len(args) != 1 {
			return fmt.Errorf("usage: /leave <name>")
		}
		return c.Command(protocol.CodeChannelLeave, args[0])
	case "/sent":
		return c.Command(protocol.CodeMessageListSent, "")
	case "/received":
		return c.Command(protocol.CodeMessageListReceived, "")
	case "/history":
		if len(args) != 2 || (args[0] != "group" && args[0] != "channel") {
			return fmt.Errorf("usage: /history group|channel <name>")
		}
		if args[0] == "group" {
			return c.Command(protocol.CodeMessageListGroup, args[1])
		}
		return c.Command(protocol.CodeMessageListChannel, args[1])
	case "/delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: /delete <message-id>")
		}
		return c.Command(protocol.CodeMessageDelete, args[0])
	case "/logout":
		return c.Logout()
	case "/quit":
		err := c.Command(protocol.CodeQuit, "")
		c.Close()
		return err
	default:
		return fmt.Errorf("unknown command %s", command)
	}
}
