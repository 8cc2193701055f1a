package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"carapace/internal/auth"
	"carapace/internal/config"
	"carapace/internal/server"
)

var (
	agentColor  = color.New(color.FgCyan)
	toolColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
	promptColor = color.New(color.FgGreen, color.Bold)
	dimColor    = color.New(color.Faint)
)

func newChatCmd() *cobra.Command {
	var sessionID string
	var serverURL string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(serverURL, sessionID)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (default from config)")
	return cmd
}

type chatClient struct {
	baseURL string
	token   string
	stdin   *bufio.Reader
}

func runChat(serverURL, sessionID string) error {
	dataDir := config.DataDir()
	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}
	token, err := auth.ClientToken(dataDir)
	if err != nil {
		return err
	}
	if serverURL == "" {
		serverURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	client := &chatClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   token,
		stdin:   bufio.NewReader(os.Stdin),
	}

	if sessionID == "" {
		sessionID, err = client.createSession()
		if err != nil {
			return err
		}
		dimColor.Printf("session %s\n", sessionID)
	}
	return client.attach(sessionID)
}

func (c *chatClient) createSession() (string, error) {
	body, _ := json.Marshal(map[string]string{"channel_type": "cli"})
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: %s", resp.Status)
	}
	var info server.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.SessionID, nil
}

func (c *chatClient) attach(sessionID string) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") +
		"/chat/" + sessionID + "?token=" + c.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	defer conn.Close()

	for {
		line, err := c.readLine(promptColor.Sprint("you> "))
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			_ = conn.WriteJSON(server.ClientEnvelope{Type: server.ClientMessage, Content: line})
			return nil
		}
		if err := conn.WriteJSON(server.ClientEnvelope{Type: server.ClientMessage, Content: line}); err != nil {
			return err
		}
		if done := c.pump(conn, strings.HasPrefix(line, "/")); done {
			return nil
		}
	}
}

// pump renders server frames until the turn (or command) completes.
func (c *chatClient) pump(conn *websocket.Conn, isCommand bool) bool {
	for {
		var envelope server.ServerEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			errColor.Println("connection closed:", err)
			return true
		}
		switch envelope.Type {
		case server.ServerDone:
			if envelope.Content != "" {
				agentColor.Println(envelope.Content)
			}
			return false
		case server.ServerCommandResult:
			rendered, _ := json.MarshalIndent(envelope.Data, "", "  ")
			fmt.Println(string(rendered))
			if isCommand {
				return false
			}
		case server.ServerToolCall:
			args, _ := json.Marshal(envelope.Args)
			toolColor.Printf("* %s %s\n", envelope.Tool, string(args))
			if envelope.Detail != "" {
				dimColor.Println("  " + envelope.Detail)
			}
		case server.ServerApprovalRequest:
			c.answerApproval(conn, envelope)
		case server.ServerProxyApprovalRequest:
			c.answerProxyApproval(conn, envelope)
		case server.ServerError:
			errColor.Println(envelope.Detail)
			if isCommand {
				return false
			}
		}
	}
}

func (c *chatClient) answerApproval(conn *websocket.Conn, envelope server.ServerEnvelope) {
	args, _ := json.Marshal(envelope.Args)
	toolColor.Printf("\napproval needed: %s %s\n", envelope.Tool, string(args))
	if envelope.Classification != nil {
		dimColor.Printf("  %s: %s\n", envelope.Classification.OperationType, envelope.Classification.Description)
	}
	for _, description := range envelope.Descriptions {
		dimColor.Println("  " + description)
	}
	answer, err := c.readLine(promptColor.Sprint("approve? [y/N] "))
	approved := err == nil && strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y")
	_ = conn.WriteJSON(server.ClientEnvelope{
		Type:       server.ClientApprovalResponse,
		ToolCallID: envelope.ToolCallID,
		Approved:   approved,
	})
}

func (c *chatClient) answerProxyApproval(conn *websocket.Conn, envelope server.ServerEnvelope) {
	toolColor.Printf("\nnetwork request to %s", envelope.Domain)
	if envelope.Command != "" {
		dimColor.Printf(" (while running: %s)", envelope.Command)
	}
	fmt.Println()
	fmt.Println("  [1] allow once  [2] allow all this exec  [3] allow 15 min  [4] allow all 15 min  [anything else] deny")

	answer, _ := c.readLine(promptColor.Sprint("choice: "))
	decision := "deny"
	switch strings.TrimSpace(answer) {
	case "1":
		decision = "allow_once"
	case "2":
		decision = "allow_all_once"
	case "3":
		decision = "allow_15min"
	case "4":
		decision = "allow_all_15min"
	}
	_ = conn.WriteJSON(server.ClientEnvelope{
		Type:      server.ClientProxyApprovalResponse,
		RequestID: envelope.RequestID,
		Decision:  decision,
	})
}

func (c *chatClient) readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	return c.stdin.ReadString('\n')
}
