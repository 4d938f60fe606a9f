package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rickgao/socialsync/internal/model"
)

// GetPostLikes fetches a post's like counter as seen by the caller.
func (c *Client) GetPostLikes(ctx context.Context, postID string) (model.LikeState, error) {
	if postID == "" {
		return model.LikeState{}, errors.New("get post likes: post id is required")
	}

	var resp LikesResponse
	if err := c.get(ctx, "/api/posts/"+url.PathEscape(postID)+"/likes", nil, &resp); err != nil {
		return model.LikeState{}, fmt.Errorf("get post likes: %w", err)
	}

	return resp.ToModel(postID), nil
}

// ListComments fetches every comment on a post.
func (c *Client) ListComments(ctx context.Context, postID string) ([]model.Comment, error) {
	if postID == "" {
		return nil, errors.New("list comments: post id is required")
	}

	var resp CommentsResponse
	if err := c.get(ctx, "/api/posts/"+url.PathEscape(postID)+"/comments", nil, &resp); err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}

	out := make([]model.Comment, 0, len(resp.Comments))
	for i := range resp.Comments {
		cm := resp.Comments[i].ToModel()
		if cm.PostID == "" {
			cm.PostID = postID
		}
		out = append(out, cm)
	}
	return out, nil
}

// CreateComment adds a comment to a post and returns the persisted document.
func (c *Client) CreateComment(ctx context.Context, postID, content string) (model.Comment, error) {
	if postID == "" {
		return model.Comment{}, errors.New("create comment: post id is required")
	}

	var resp APIComment
	path := "/api/posts/" + url.PathEscape(postID) + "/comments"
	if err := c.call(ctx, http.MethodPost, path, nil, CreateCommentRequest{Content: content}, &resp); err != nil {
		return model.Comment{}, fmt.Errorf("create comment: %w", err)
	}

	cm := resp.ToModel()
	if cm.PostID == "" {
		cm.PostID = postID
	}
	return cm, nil
}

// DeleteComment removes a comment.
func (c *Client) DeleteComment(ctx context.Context, commentID string) error {
	if commentID == "" {
		return errors.New("delete comment: comment id is required")
	}

	if err := c.call(ctx, http.MethodDelete, "/api/comments/"+url.PathEscape(commentID), nil, nil, nil); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}
