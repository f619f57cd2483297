package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// maxFrameSize bounds the data carried by one WriteRequest, keeping
// messages below the default gRPC message size limit.
const maxFrameSize = 1024 * 1024

// Client uploads to and downloads from a ByteStream service.
type Client struct {
	bytestreamClient bytestream.ByteStreamClient
	conn             *grpc.ClientConn
	instanceName     string
	token            string
}

type NewClientParams struct {
	UseInsecure  bool
	Host         string
	DialTimeout  time.Duration
	InstanceName string
	Token        string
	DialOptions  []grpc.DialOption
}

func NewClient(ctx context.Context, p NewClientParams) (*Client, error) {
	if p.Host == "" {
		return nil, errors.New("ByteStream host is empty")
	}

	opts := append([]grpc.DialOption{}, p.DialOptions...)
	if p.UseInsecure {
		creds := insecure.NewCredentials()
		insecureOpt := grpc.WithTransportCredentials(creds)
		opts = append(opts, insecureOpt)
	}

	if p.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.DialTimeout)
		defer cancel()
	}
	conn, err := grpc.DialContext(ctx, p.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Host, err)
	}

	return &Client{
		bytestreamClient: bytestream.NewByteStreamClient(conn),
		conn:             conn,
		instanceName:     p.InstanceName,
		token:            p.Token,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// writer sends one call's worth of data to a resource as a sequence of frames.
type writer struct {
	stream       bytestream.ByteStream_WriteClient
	resourceName string
	offset       int64
}

func (w *writer) send(data []byte, finish bool) error {
	for {
		n := len(data)
		if n > maxFrameSize {
			n = maxFrameSize
		}
		last := n == len(data)

		req := &bytestream.WriteRequest{
			ResourceName: w.resourceName,
			WriteOffset:  w.offset,
			Data:         data[:n],
			FinishWrite:  finish && last,
		}
		err := w.stream.Send(req)
		switch {
		case errors.Is(err, io.EOF):
			// the server closed the stream, its status is returned by CloseAndRecv
			return nil
		case err != nil:
			return fmt.Errorf("send data: %w", err)
		}

		w.offset += int64(n)
		data = data[n:]
		if last {
			return nil
		}
	}
}

func (w *writer) close() (int64, error) {
	resp, err := w.stream.CloseAndRecv()
	if err != nil {
		return 0, fmt.Errorf("close stream: %w", err)
	}
	return resp.CommittedSize, nil
}

type reader struct {
	stream bytestream.ByteStream_ReadClient
	buf    bytes.Buffer
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	bufLen := r.buf.Len()
	if bufLen > 0 {
		n, _ := r.buf.Read(p) // this will never fail
		return n, nil
	}
	r.buf.Reset()

	resp, err := r.stream.Recv()
	switch {
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	case err != nil:
		return 0, fmt.Errorf("stream receive: %w", err)
	}

	n := copy(p, resp.Data)
	if n == len(resp.Data) {
		return n, nil
	}

	_, _ = r.buf.Write(resp.Data[n:]) // this will never fail

	return n, nil
}
