package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"sdpo-trainer/internal/answer"
	"sdpo-trainer/internal/feedback"
	"sdpo-trainer/internal/judge"
	"sdpo-trainer/internal/schemas"
)

type sample struct {
	question    string
	output      string
	groundTruth string
	want        bool
}

var samples = []sample{
	{
		question:    "A particle of mass 2 kg is projected vertically upward with velocity 20 m/s. Find max height. (g=10 m/s²)",
		output:      "Using v² = u² - 2gh\n0 = 400 - 20h\nh = 20m\n\n**Answer:** 20 m",
		groundTruth: "20",
		want:        true,
	},
	{
		question:    "Which of the following are noble gases? (A) He (B) N (C) Ar (D) O",
		output:      "Helium and argon have full shells.\nAnswer: A, C",
		groundTruth: "AC",
		want:        true,
	},
	{
		question:    "Evaluate the integral of 2x from 0 to 3.",
		output:      "x² from 0 to 3 gives 9, so the answer is 8.",
		groundTruth: "9",
		want:        false,
	},
}

func main() {
	base := envOr("SDPO_STATUS_URL", "http://localhost:8080")
	token := envOr("API_TOKEN", "dev-secret-token")

	baseFlag := flag.String("base", base, "status server base URL")
	tokenFlag := flag.String("token", token, "API token for /status")
	offline := flag.Bool("offline", false, "only run the verifier and judge checks")
	flag.Parse()

	checkVerifier()
	checkJudge()
	if *offline {
		fmt.Println("🎉 Offline smoke run OK")
		return
	}

	httpc := &http.Client{Timeout: 12 * time.Second}
	var health map[string]string
	if err := getJSON(httpc, *baseFlag+"/healthz", "", &health); err != nil {
		fatalf("healthz: %v", err)
	}
	fmt.Printf("✅ Status server healthy: %v\n", health)

	var st schemas.RunStatus
	if err := getJSON(httpc, *baseFlag+"/status", *tokenFlag, &st); err != nil {
		fatalf("status: %v", err)
	}
	fmt.Printf("✅ Run %s is %s: epoch %d/%d, step %d, accuracy %.3f\n",
		st.RunID, st.State, st.Epoch, st.Epochs, st.GlobalStep, st.Accuracy)
	fmt.Println("🎉 Smoke run OK")
}

func checkVerifier() {
	var v answer.Verifier
	for i, s := range samples {
		res := v.Check(s.output, s.groundTruth)
		if res.Correct != s.want {
			fatalf("sample %d: got correct=%t (%s), want %t", i, res.Correct, res.Detail, s.want)
		}
		fmt.Printf("✅ Sample %d: extracted %q -> %s\n", i, res.Extracted, res.Detail)
	}
}

// checkJudge runs the judge without an API key against a throwaway cache and
// expects rule-based feedback for every sample.
func checkJudge() {
	dir, err := os.MkdirTemp("", "sdpo-smoke")
	if err != nil {
		fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cache, err := feedback.Open(filepath.Join(dir, "judge_cache.jsonl"), nil)
	if err != nil {
		fatalf("open cache: %v", err)
	}
	defer cache.Close()

	c, err := judge.New(judge.Config{}, nil, cache, nil)
	if err != nil {
		fatalf("judge: %v", err)
	}
	triples := make([]judge.Triple, len(samples))
	for i, s := range samples {
		triples[i] = judge.Triple{Question: s.question, ModelOutput: s.output, GroundTruth: s.groundTruth}
	}
	for i, a := range c.AssessAll(context.Background(), triples) {
		if a.Outcome.Kind != judge.OutcomeDegraded {
			fatalf("sample %d: expected degraded feedback, got %s", i, a.Outcome.Kind)
		}
		fmt.Printf("✅ Sample %d feedback: %s\n", i, a.Outcome.Feedback)
	}
}

// --- helpers ---

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getJSON(c *http.Client, url, bearer string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := c.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		return fmt.Errorf("GET %s -> %d: %s", url, res.StatusCode, e.Error)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func fatalf(format string, args ...any) {
	fmt.Printf("❌ "+format+"\n", args...)
	os.Exit(1)
}
