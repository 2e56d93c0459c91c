package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "muma server URL")
	user := flag.String("user", "cli-user", "User scope for memory operations")
	flag.Parse()

	fmt.Println("muma memory console")
	fmt.Printf("Server: %s | User: %s\n", *server, *user)
	fmt.Println("Type 'exit' or 'quit' to leave. Plain text runs a recall.")
	fmt.Println("Commands: /remember <text>, /stats, /export, /sweep")
	fmt.Println("---")

	fetchStats(*server, *user)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if input == "/stats" {
			fetchStats(*server, *user)
			continue
		}
		if input == "/export" {
			exportNotes(*server, *user)
			continue
		}
		if input == "/sweep" {
			runSweep(*server)
			continue
		}
		if text, ok := strings.CutPrefix(input, "/remember "); ok {
			createNote(*server, *user, strings.TrimSpace(text))
			continue
		}

		search(*server, *user, input)
	}
}

func fetchStats(server, user string) {
	resp, err := http.Get(server + "/api/stats?user_id=" + url.QueryEscape(user))
	if err != nil {
		printError("Failed to fetch stats: %v", err)
		return
	}
	defer resp.Body.Close()

	var stats struct {
		Backend           string `json:"backend"`
		Total             int    `json:"total"`
		Pinned            int    `json:"pinned"`
		PruningCandidates int    `json:"pruning_candidates"`
		Activation        struct {
			High   int `json:"high"`
			Medium int `json:"medium"`
			Low    int `json:"low"`
		} `json:"activation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		printError("Failed to parse stats: %v", err)
		return
	}
	fmt.Printf("Memory stats (%s backend):\n", stats.Backend)
	fmt.Printf("  notes: %d | pinned: %d | pruning candidates: %d\n",
		stats.Total, stats.Pinned, stats.PruningCandidates)
	fmt.Printf("  activation: %d high / %d medium / %d low\n",
		stats.Activation.High, stats.Activation.Medium, stats.Activation.Low)
}

func exportNotes(server, user string) {
	resp, err := http.Get(server + "/api/export?user_id=" + url.QueryEscape(user))
	if err != nil {
		printError("Failed to export: %v", err)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		printError("Failed to read export: %v", err)
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		printError("Failed to format export: %v", err)
		return
	}
	fmt.Println(pretty.String())
}

func runSweep(server string) {
	resp, err := http.Post(server+"/api/sweep", "application/json", nil)
	if err != nil {
		printError("Sweep failed: %v", err)
		return
	}
	defer resp.Body.Close()

	var stats struct {
		Processed         int `json:"processed"`
		Updated           int `json:"updated"`
		PruningCandidates int `json:"pruning_candidates"`
		HardPruned        int `json:"hard_pruned"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		printError("Failed to parse sweep stats: %v", err)
		return
	}
	fmt.Printf("Sweep complete: %d processed, %d updated, %d candidates, %d pruned\n",
		stats.Processed, stats.Updated, stats.PruningCandidates, stats.HardPruned)
}

func createNote(server, user, content string) {
	if content == "" {
		printError("Nothing to remember")
		return
	}
	body, _ := json.Marshal(map[string]string{
		"content": content,
		"user_id": user,
	})

	client := &http.Client{Timeout: 65 * time.Second}
	resp, err := client.Post(server+"/api/notes", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	var n struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&n); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	fmt.Printf("\033[32mremembered\033[0m %s\n", n.ID)
}

func search(server, user, query string) {
	body, _ := json.Marshal(map[string]interface{}{
		"query":   query,
		"user_id": user,
	})

	client := &http.Client{Timeout: 65 * time.Second}
	resp, err := client.Post(server+"/api/search", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var result struct {
		Results []struct {
			Note struct {
				ID      string `json:"id"`
				Content string `json:"content"`
			} `json:"note"`
			Similarity float64 `json:"similarity"`
			Activation float64 `json:"activation"`
			Linked     bool    `json:"linked"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	if len(result.Results) == 0 {
		fmt.Println("No memories recalled.")
		return
	}
	for _, r := range result.Results {
		tag := fmt.Sprintf("a=%.2f s=%.2f", r.Activation, r.Similarity)
		if r.Linked {
			tag = "linked"
		}
		fmt.Printf("\033[36m[%s]\033[0m %s\n", tag, r.Note.Content)
	}
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
