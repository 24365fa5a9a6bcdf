//go:build linux

package executor

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/snekbox/memfs"
	"github.com/calvinalkan/snekbox/sandbox"
)

func started(exitCode int) sandbox.Status {
	return sandbox.Status{ChildPID: 42, HasChildPID: true, ExitCode: exitCode, HasExitCode: true}
}

var launched = sandbox.LaunchReport{Ran: true}

func Test_Classify_Maps_Outcomes_To_Status_And_Code(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       outcome
		wantStat Status
		wantCode int
	}{
		{
			name:     "start failure",
			in:       outcome{startErr: errors.New("exec: bwrap: not found")},
			wantStat: StatusSandboxFault,
			wantCode: 255,
		},
		{
			name:     "clean exit",
			in:       outcome{status: started(0), exitCode: 0, launch: launched},
			wantStat: StatusSuccess,
			wantCode: 0,
		},
		{
			name:     "program exits non zero",
			in:       outcome{status: started(1), exitCode: 1, launch: launched},
			wantStat: StatusUserError,
			wantCode: 1,
		},
		{
			name:     "program killed by signal reported by bwrap",
			in:       outcome{status: started(137), exitCode: 137, launch: launched},
			wantStat: StatusUserError,
			wantCode: 137,
		},
		{
			name:     "bwrap signalled after child started",
			in:       outcome{status: sandbox.Status{ChildPID: 42, HasChildPID: true}, exitCode: -1, launch: launched},
			wantStat: StatusUserError,
			wantCode: 137,
		},
		{
			name:     "timeout without exit status",
			in:       outcome{status: sandbox.Status{ChildPID: 42, HasChildPID: true}, exitCode: -1, timedOut: true},
			wantStat: StatusTimeout,
			wantCode: 137,
		},
		{
			name:     "timeout with exit status",
			in:       outcome{status: started(143), exitCode: -1, timedOut: true},
			wantStat: StatusTimeout,
			wantCode: 143,
		},
		{
			name:     "timeout before the child started",
			in:       outcome{exitCode: -1, timedOut: true},
			wantStat: StatusTimeout,
			wantCode: 137,
		},
		{
			name:     "bwrap failed before starting the child",
			in:       outcome{exitCode: 1},
			wantStat: StatusSandboxFault,
			wantCode: 255,
		},
		{
			name:     "launcher failure",
			in:       outcome{status: started(255), exitCode: 255, launch: sandbox.LaunchReport{Ran: true, Err: "exec python3: not found"}},
			wantStat: StatusSandboxFault,
			wantCode: 255,
		},
		{
			name:     "program exits 255 itself",
			in:       outcome{status: started(255), exitCode: 255, launch: launched},
			wantStat: StatusUserError,
			wantCode: 255,
		},
		{
			name:     "launcher never ran",
			in:       outcome{status: started(1), exitCode: 1},
			wantStat: StatusSandboxFault,
			wantCode: 255,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gotStat, gotCode := classify(tt.in)
			if gotStat != tt.wantStat || gotCode != tt.wantCode {
				t.Fatalf("classify = (%s, %d), want (%s, %d)", gotStat, gotCode, tt.wantStat, tt.wantCode)
			}
		})
	}
}

func Test_CappedBuffer_Keeps_Prefix_When_Writes_Exceed_Max(t *testing.T) {
	t.Parallel()

	b := newCappedBuffer(5)

	for _, chunk := range []string{"abc", "defg", "hij"} {
		n, err := b.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = (%d, %v), want (%d, nil)", chunk, n, err, len(chunk))
		}
	}

	if b.String() != "abcde" {
		t.Fatalf("String = %q, want %q", b.String(), "abcde")
	}

	if !b.Truncated() {
		t.Fatal("Truncated = false, want true")
	}
}

func Test_CappedBuffer_Drops_Rune_Split_By_Cap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		max    int64
		writes []string
		want   string
	}{
		{name: "Two_Byte_Rune_Cut", max: 4, writes: []string{"abcé"}, want: "abc"},
		{name: "Four_Byte_Rune_Cut", max: 5, writes: []string{"ab😀cd"}, want: "ab"},
		{name: "Rune_Ends_At_Cap", max: 5, writes: []string{"abcé!"}, want: "abcé"},
		{name: "Cut_Between_Writes", max: 4, writes: []string{"abc\xc3", "\xa9"}, want: "abc"},
		{name: "Program_Invalid_Bytes_Kept", max: 4, writes: []string{"abc\xff", "z"}, want: "abc\xff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := newCappedBuffer(tt.max)
			for _, w := range tt.writes {
				_, _ = b.Write([]byte(w))
			}

			if b.String() != tt.want || !b.Truncated() {
				t.Fatalf("got (%q, truncated=%t), want (%q, true)", b.String(), b.Truncated(), tt.want)
			}
		})
	}
}

func Test_CappedBuffer_Is_Not_Truncated_When_Output_Fits_Exactly(t *testing.T) {
	t.Parallel()

	b := newCappedBuffer(3)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write(nil)

	if b.Truncated() {
		t.Fatal("Truncated = true, want false")
	}
}

func Test_Status_Text_Round_Trips_When_Known(t *testing.T) {
	t.Parallel()

	for status, name := range statusNames {
		text, err := status.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", status, err)
		}

		if string(text) != name {
			t.Fatalf("MarshalText(%d) = %q, want %q", status, text, name)
		}

		var got Status

		err = got.UnmarshalText(text)
		if err != nil || got != status {
			t.Fatalf("UnmarshalText(%q) = (%s, %v)", text, got, err)
		}
	}

	_, err := Status(0).MarshalText()
	if err == nil {
		t.Fatal("MarshalText(0) succeeded")
	}

	var s Status

	err = s.UnmarshalText([]byte("exploded"))
	if err == nil {
		t.Fatal("UnmarshalText(exploded) succeeded")
	}
}

func Test_Result_Marshals_With_Wire_Names(t *testing.T) {
	t.Parallel()

	res := Result{
		Status:      StatusUserError,
		ExitCode:    1,
		Stdout:      "",
		Stderr:      "boom\n",
		Attachments: []memfs.FileAttachment{{Name: "output.txt", Size: 2, Content: []byte("hi")}},
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any

	err = json.Unmarshal(data, &got)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"status":     "user_error",
		"returncode": float64(1),
		"stdout":     "",
		"stderr":     "boom\n",
		"files": []any{map[string]any{
			"name":    "output.txt",
			"size":    float64(2),
			"content": "aGk=",
		}},
		"duration": float64(0),
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("json mismatch (-want +got):\n%s", diff)
	}
}

func Test_ValidateFiles_Rejects_Paths_Outside_Home(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"", "/etc/passwd", "../escape", "a/../../b"} {
		err := validateFiles([]InputFile{{Path: "ok.txt"}, {Path: path}})
		if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, memfs.ErrInvalidPath) {
			t.Fatalf("validateFiles(%q) = %v, want ErrInvalidInput and ErrInvalidPath", path, err)
		}

		if !strings.Contains(err.Error(), path) {
			t.Fatalf("error %q does not name %q", err, path)
		}
	}

	err := validateFiles([]InputFile{{Path: "data/input.csv"}, {Path: "main.py"}})
	if err != nil {
		t.Fatalf("validateFiles(local paths) = %v", err)
	}
}

func Test_StateFor_Maps_Result_Status(t *testing.T) {
	t.Parallel()

	got := []state{stateFor(StatusSuccess), stateFor(StatusUserError), stateFor(StatusTimeout), stateFor(StatusSandboxFault)}
	want := []state{stateCompleted, stateCompleted, stateTimedOut, stateSandboxFault}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
}
