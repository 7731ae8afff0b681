package upload

import (
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsocket/pkg/conversation"
)

// DescribeFile builds the attachment descriptor sent along with a user message.
// The MIME type is sniffed from the file contents.
func DescribeFile(path string) (conversation.FileDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return conversation.FileDescriptor{}, errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return conversation.FileDescriptor{}, errors.Errorf("%s is a directory", path)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return conversation.FileDescriptor{}, errors.Wrapf(err, "detect type of %s", path)
	}

	return conversation.FileDescriptor{
		Name:         filepath.Base(path),
		Size:         info.Size(),
		Type:         mtype.String(),
		LastModified: info.ModTime().UnixMilli(),
	}, nil
}

// DescribeFiles describes every path, stopping at the first error.
func DescribeFiles(paths []string) ([]conversation.FileDescriptor, error) {
	ret := make([]conversation.FileDescriptor, 0, len(paths))
	for _, p := range paths {
		fd, err := DescribeFile(p)
		if err != nil {
			return nil, err
		}
		ret = append(ret, fd)
	}
	return ret, nil
}
