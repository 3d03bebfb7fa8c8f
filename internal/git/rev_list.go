package git

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"
)

// Refspec is a Git refspec, or simply a commitish,
// used to select commits for range and fetch/push operations.
type Refspec string

// String returns the refspec as a plain string.
func (r Refspec) String() string { return string(r) }

// CommitRange specifies a set of commits reachable from one or more
// "include" commitish values, excluding those reachable from one or
// more "exclude" commitish values.
//
// It's the Go equivalent of a "git rev-list"-style range like
// "main..feature" or "a b --not c d".
type CommitRange struct {
	include     []string
	exclude     []string
	firstParent bool
}

// CommitRangeFrom starts a CommitRange that includes all commits
// reachable from commitish.
func CommitRangeFrom(commitish fmt.Stringer) CommitRange {
	return CommitRange{include: []string{commitish.String()}}
}

// ExcludeFrom excludes commits reachable from commitish from the range.
func (r CommitRange) ExcludeFrom(commitish fmt.Stringer) CommitRange {
	exclude := make([]string, len(r.exclude), len(r.exclude)+1)
	copy(exclude, r.exclude)
	r.exclude = append(exclude, commitish.String())
	return r
}

// FirstParent restricts the range to follow only the first parent of
// each commit, matching "git rev-list --first-parent".
func (r CommitRange) FirstParent() CommitRange {
	r.firstParent = true
	return r
}

func (r CommitRange) args() []string {
	args := append([]string{}, r.include...)
	if r.firstParent {
		args = append(args, "--first-parent")
	}
	if len(r.exclude) > 0 {
		args = append(args, "--not")
		args = append(args, r.exclude...)
	}
	return args
}

// CountCommits reports the number of commits in the given range.
func (r *Repository) CountCommits(ctx context.Context, commits CommitRange) (int, error) {
	args := append([]string{"rev-list", "--count"}, commits.args()...)
	out, err := r.gitCmd(ctx, args...).OutputString(r.exec)
	if err != nil {
		return 0, fmt.Errorf("git rev-list --count: %w", err)
	}

	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return count, nil
}

// ListCommits lists the hashes of commits in the given range,
// in reverse chronological order (newest first).
func (r *Repository) ListCommits(ctx context.Context, commits CommitRange) iter.Seq2[Hash, error] {
	args := append([]string{"rev-list"}, commits.args()...)

	return func(yield func(Hash, error) bool) {
		cmd := r.gitCmd(ctx, args...)
		out, err := cmd.StdoutPipe()
		if err != nil {
			yield("", fmt.Errorf("pipe stdout: %w", err))
			return
		}

		if err := cmd.Start(r.exec); err != nil {
			yield("", fmt.Errorf("start git rev-list: %w", err))
			return
		}

		scan := bufio.NewScanner(out)
		for scan.Scan() {
			line := strings.TrimSpace(scan.Text())
			if line == "" {
				continue
			}
			if !yield(Hash(line), nil) {
				_ = cmd.Kill(r.exec)
				return
			}
		}

		if err := scan.Err(); err != nil {
			yield("", fmt.Errorf("read git rev-list output: %w", err))
			return
		}

		if err := cmd.Wait(r.exec); err != nil {
			yield("", fmt.Errorf("git rev-list: %w", err))
		}
	}
}

// CommitDetail holds metadata about a single commit,
// as reported by [Repository.ListCommitsDetails].
type CommitDetail struct {
	// Hash is the commit's object hash.
	Hash Hash

	// ShortHash is an abbreviated, human-friendly form of Hash.
	ShortHash Hash

	// Subject is the first line of the commit message.
	Subject string

	// AuthorDate is when the commit was authored.
	AuthorDate time.Time
}

const commitDetailFormat = "%H%x00%h%x00%s%x00%aI"

// ListCommitsDetails lists detailed metadata for commits in the given range,
// in reverse chronological order (newest first).
func (r *Repository) ListCommitsDetails(ctx context.Context, commits CommitRange) iter.Seq2[CommitDetail, error] {
	args := append([]string{"rev-list", "--format=" + commitDetailFormat}, commits.args()...)

	return func(yield func(CommitDetail, error) bool) {
		cmd := r.gitCmd(ctx, args...)
		out, err := cmd.StdoutPipe()
		if err != nil {
			yield(CommitDetail{}, fmt.Errorf("pipe stdout: %w", err))
			return
		}

		if err := cmd.Start(r.exec); err != nil {
			yield(CommitDetail{}, fmt.Errorf("start git rev-list: %w", err))
			return
		}

		scan := bufio.NewScanner(out)
		scan.Buffer(make([]byte, 4096), 1<<20)
		for scan.Scan() {
			line := scan.Text()
			// "git rev-list --format" prepends a "commit <hash>" line
			// before each formatted line. Skip it.
			if strings.HasPrefix(line, "commit ") {
				continue
			}

			fields := strings.SplitN(line, "\x00", 4)
			if len(fields) != 4 {
				r.log.Warn("Bad rev-list output", "line", line)
				continue
			}

			detail := CommitDetail{
				Hash:      Hash(fields[0]),
				ShortHash: Hash(fields[1]),
				Subject:   fields[2],
			}
			if t, err := time.Parse(time.RFC3339, fields[3]); err == nil {
				detail.AuthorDate = t
			}

			if !yield(detail, nil) {
				_ = cmd.Kill(r.exec)
				return
			}
		}

		if err := scan.Err(); err != nil {
			yield(CommitDetail{}, fmt.Errorf("read git rev-list output: %w", err))
			return
		}

		if err := cmd.Wait(r.exec); err != nil {
			yield(CommitDetail{}, fmt.Errorf("git rev-list: %w", err))
		}
	}
}
