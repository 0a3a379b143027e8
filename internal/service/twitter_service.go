package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"featherpost/internal/transfer"
)

const (
	twitterTweetURL       = "https://api.twitter.com/2/tweets"
	twitterMediaUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
)

type TwitterService interface {
	PublishTweet(ctx context.Context, accessToken, text string, imageURLs []string) (string, error)
	PublishThread(ctx context.Context, accessToken string, texts []string, imageURLs []string) ([]string, error)
}

type twitterService struct {
	client *http.Client
}

func NewTwitterService() TwitterService {
	return &twitterService{
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *twitterService) PublishTweet(ctx context.Context, accessToken, text string, imageURLs []string) (string, error) {
	mediaIDs, err := s.uploadImages(ctx, accessToken, imageURLs)
	if err != nil {
		return "", err
	}

	tweetID, err := s.createTweet(ctx, accessToken, text, mediaIDs, "")
	if err != nil {
		return "", err
	}

	return tweetID, nil
}

// PublishThread posts the first item, then each following item as a reply
// to the previous tweet. Images attach to the first item only. A failure
// mid-chain returns an error without deleting the already-posted prefix.
func (s *twitterService) PublishThread(ctx context.Context, accessToken string, texts []string, imageURLs []string) ([]string, error) {
	mediaIDs, err := s.uploadImages(ctx, accessToken, imageURLs)
	if err != nil {
		return nil, err
	}

	var tweetIDs []string
	var replyTo string

	for i, text := range texts {
		var media []string
		if i == 0 {
			media = mediaIDs
		}

		tweetID, err := s.createTweet(ctx, accessToken, text, media, replyTo)
		if err != nil {
			return nil, fmt.Errorf("posting thread item %d of %d: %w", i+1, len(texts), err)
		}

		tweetIDs = append(tweetIDs, tweetID)
		replyTo = tweetID
	}

	return tweetIDs, nil
}

func (s *twitterService) createTweet(ctx context.Context, accessToken, text string, mediaIDs []string, replyTo string) (string, error) {
	tweetRequest := transfer.TweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		tweetRequest.Media = &transfer.TweetMedia{MediaIDs: mediaIDs}
	}
	if replyTo != "" {
		tweetRequest.Reply = &transfer.TweetReply{InReplyToTweetID: replyTo}
	}

	jsonData, err := json.Marshal(tweetRequest)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", twitterTweetURL, bytes.NewBuffer(jsonData))
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("tweet request failed: %w", err)
	}
	defer resp.Body.Close()

	var result transfer.TweetResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("failed to decode tweet response: %w", err)
	}

	// The status code stays in the message so rate-limit responses (429)
	// are recognizable downstream.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		detail := result.Detail
		if detail == "" {
			detail = result.Title
		}
		return "", fmt.Errorf("twitter rejected tweet (status %d): %s", resp.StatusCode, detail)
	}

	if result.Data.ID == "" {
		return "", fmt.Errorf("twitter returned no tweet id")
	}

	log.Printf("posted tweet %s", result.Data.ID)
	return result.Data.ID, nil
}

// uploadImages registers each image with Twitter's v1.1 media endpoint.
// The first failing upload aborts the whole publish attempt.
func (s *twitterService) uploadImages(ctx context.Context, accessToken string, imageURLs []string) ([]string, error) {
	var mediaIDs []string
	for _, imageURL := range imageURLs {
		mediaID, err := s.uploadImage(ctx, accessToken, imageURL)
		if err != nil {
			return nil, fmt.Errorf("media upload failed: %w", err)
		}
		mediaIDs = append(mediaIDs, mediaID)
	}
	return mediaIDs, nil
}

func (s *twitterService) uploadImage(ctx context.Context, accessToken, imageURL string) (string, error) {
	imageBytes, err := s.fetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("media", "media")
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	if _, err := part.Write(imageBytes); err != nil {
		slog.Info(err.Error())
		return "", err
	}
	if err := writer.Close(); err != nil {
		slog.Info(err.Error())
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", twitterMediaUploadURL, &body)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("media upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("twitter rejected media (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var result transfer.MediaUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Info(err.Error())
		return "", fmt.Errorf("failed to decode media upload response: %w", err)
	}
	if result.MediaIDString == "" {
		return "", fmt.Errorf("twitter returned no media id")
	}

	return result.MediaIDString, nil
}

func (s *twitterService) fetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, fmt.Errorf("fetching image %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching image %s: status %d", imageURL, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
