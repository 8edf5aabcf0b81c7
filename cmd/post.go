package cmd

import (
	"cookshare/backend"
	"cookshare/models"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cqroot/prompt"
	"github.com/urfave/cli/v2"
)

func postCmd() *cli.Command {
	return &cli.Command{
		Name:  "post",
		Usage: "Write a post through the REST API",
		Description: `Prompts for a post and creates it on a running cookshare backend.

The created post is printed as JSON and shows up on every watching feed.`,
		Flags: append(backendFlags(),
			&cli.StringFlag{
				Name:    "author",
				Aliases: []string{"a"},
				Usage:   "Id of the posting user, prompted for when empty",
				EnvVars: []string{"COOKSHARE_AUTHOR"},
			},
		),
		Action: func(ctx *cli.Context) error {
			author := ctx.String("author")
			if author == "" {
				var err error
				author, err = prompt.New().Ask("Author id:").Input("")
				if err != nil {
					return err
				}
			}

			body, err := prompt.New().Ask("Post:").Input("")
			if err != nil {
				return err
			}
			if author == "" || body == "" {
				return errors.New("a post needs both an author and a body")
			}

			client, err := backend.New(backend.Config{
				BaseURL:   ctx.String("backend"),
				UserAgent: "cookshare-post",
			})
			if err != nil {
				return err
			}

			created, err := client.CreateItem(ctx.Context, "posts", models.Item{
				AuthorId: author,
				Post:     &models.Post{Body: body},
			})
			if err != nil {
				return fmt.Errorf("could not create post: %w", err)
			}

			out, err := json.Marshal(created)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
