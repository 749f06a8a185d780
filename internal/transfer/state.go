package transfer

import "fmt"

type Status int

const (
	Pending Status = iota
	InProgress
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

var legalMoves = map[Status][]Status{
	Pending:    {InProgress, Completed, Failed},
	InProgress: {Completed, Failed},
}

// FileState is the progress of one manifest entry. Only the engine that
// owns the direction mutates it. Local is the source path when sending and
// the destination when receiving.
type FileState struct {
	Path   string
	Local  string
	Bytes  int64
	Total  int64
	Status Status
	Err    error
}

func (f *FileState) transition(to Status, err error) error {
	for _, next := range legalMoves[f.Status] {
		if next == to {
			f.Status = to
			f.Err = err
			return nil
		}
	}
	return fmt.Errorf("file %q: illegal move %s -> %s", f.Path, f.Status, to)
}
