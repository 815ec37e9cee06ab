package git

import (
	"context"
	"reflect"
	"testing"

	"github.com/termspace/termspace-core/exec"
)

func TestParsePorcelain_CleanTree(t *testing.T) {
	result := parsePorcelain("## main...origin/main\n")
	if result.Branch != "main" {
		t.Errorf("branch = %q, want main", result.Branch)
	}
	if !result.Clean {
		t.Error("tree should be clean")
	}
}

func TestParsePorcelain_AheadBehind(t *testing.T) {
	result := parsePorcelain("## dev...origin/dev [ahead 3, behind 2]\n")
	if result.Branch != "dev" {
		t.Errorf("branch = %q, want dev", result.Branch)
	}
	if result.Ahead != 3 || result.Behind != 2 {
		t.Errorf("ahead/behind = %d/%d, want 3/2", result.Ahead, result.Behind)
	}
}

func TestParsePorcelain_FileStates(t *testing.T) {
	output := "## main\n" +
		"M  staged.go\n" +
		" M modified.go\n" +
		"MM both.go\n" +
		"?? new.txt\n" +
		"R  old.go -> renamed.go\n"

	result := parsePorcelain(output)
	if result.Clean {
		t.Error("tree should be dirty")
	}
	if want := []string{"staged.go", "both.go", "renamed.go"}; !reflect.DeepEqual(result.Staged, want) {
		t.Errorf("staged = %v, want %v", result.Staged, want)
	}
	if want := []string{"modified.go", "both.go"}; !reflect.DeepEqual(result.Modified, want) {
		t.Errorf("modified = %v, want %v", result.Modified, want)
	}
	if want := []string{"new.txt"}; !reflect.DeepEqual(result.Untracked, want) {
		t.Errorf("untracked = %v, want %v", result.Untracked, want)
	}
}

func TestParsePorcelain_NoCommitsYet(t *testing.T) {
	result := parsePorcelain("## No commits yet on main\n?? README.md\n")
	if result.Branch != "main" {
		t.Errorf("branch = %q, want main", result.Branch)
	}
	if result.Clean {
		t.Error("untracked file should make the tree dirty")
	}
}

func TestStatus_RunsInRepoDir(t *testing.T) {
	svc, mock, store, _, base := newTestService(t, "")
	dir := seedRepo(t, store, base, "user-1")
	mock.AddPrefixMatch("git", []string{"status"}, exec.MockResponse{
		Stdout: []byte("## main...origin/main [ahead 1]\n M file.go\n"),
	})

	result, err := svc.Status(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if result.Branch != "main" || result.Ahead != 1 || result.Clean {
		t.Errorf("unexpected result: %+v", result)
	}

	var ranInDir bool
	for _, call := range mock.GetCalls() {
		if call.Name == "git" && call.Dir == dir {
			ranInDir = true
		}
	}
	if !ranInDir {
		t.Errorf("status should run in %s, calls: %+v", dir, mock.GetCalls())
	}
}
